package protocol

// Protocol constants
const (
	// Magic number for frames ('WA')
	ProtocolMagic = 0x5741

	// Protocol version
	ProtocolVersion = 6

	// Dictionary version, must match the token tables in pkg/node
	DictionaryVersion = 3

	// Header size
	HeaderSize = 8

	// Largest payload a 24-bit length can describe
	MaxPayloadSize = 1<<24 - 1
)

// FrameType identifies what a frame carries
type FrameType uint8

// Frame types
const (
	FrameHandshake FrameType = 0x01 // Plaintext handshake message
	FrameData      FrameType = 0x02 // Encrypted node payload
	FrameClose     FrameType = 0x03 // Orderly shutdown, empty payload
)

// Valid reports whether t is a known frame type
func (t FrameType) Valid() bool {
	return t >= FrameHandshake && t <= FrameClose
}

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "handshake"
	case FrameData:
		return "data"
	case FrameClose:
		return "close"
	}
	return "unknown"
}

// Flags
const (
	FlagEncrypted uint8 = 0x01 // Payload is AEAD sealed
)

// Prologue returns the bytes mixed into the handshake hash before the
// first message. Both ends must agree on it.
func Prologue() []byte {
	return []byte{'W', 'A', ProtocolVersion, DictionaryVersion}
}

// Stanza tags
const (
	TagIQ           = "iq"
	TagMessage      = "message"
	TagReceipt      = "receipt"
	TagPresence     = "presence"
	TagNotification = "notification"
	TagAck          = "ack"
	TagStreamError  = "stream:error"
	TagSuccess      = "success"
	TagFailure      = "failure"
	TagLogin        = "login"
	TagRegister     = "register"
	TagPing         = "ping"
	TagPairDevice   = "pair-device"
	TagPairSuccess  = "pair-success"
	TagRef          = "ref"
	TagLinkCodeReq  = "link-code-request"
	TagLinkCode     = "link-code"
	TagDevice       = "device"
	TagAccountKey   = "account-identity"
	TagDeviceSig    = "device-signature"
	TagRemoveDevice = "remove-companion-device"
	TagError        = "error"
)

// IQ types
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Namespaces
const (
	XMLNSPing      = "urn:xmpp:ping" // Server initiated pings
	XMLNSKeepalive = "w:p"           // Client keepalive
	XMLNSPairing   = "md"
	XMLNSPush      = "urn:xmpp:whatsapp:push"
	XMLNSProfile   = "w:profile:picture"
)

// Server addresses
const (
	ServerUser  = "s.whatsapp.net"
	ServerGroup = "g.us"
)

// Stream error and failure codes sent by the service
const (
	CodeRestartRequired = "515" // Reconnect immediately
	CodeUnauthorized    = "401" // Session invalidated, pair again
	CodeConflict        = "440" // Another connection replaced this one
	CodeBadRequest      = "400"
	CodeNotFound        = "404"
	CodeTimeout         = "408"
	CodeInternal        = "500"
	CodeNotImplemented  = "501"
)

// Pairing methods
const (
	PairMethodScan = "scan"
	PairMethodCode = "code"
)
