package node

// Wire tag bytes
const (
	ListEmpty    byte = 0
	Dictionary0  byte = 236
	Dictionary1  byte = 237
	Dictionary2  byte = 238
	Dictionary3  byte = 239
	List8        byte = 248
	List16       byte = 249
	JIDPair      byte = 250
	Hex8         byte = 251
	Binary8      byte = 252
	Binary20     byte = 253
	Binary32     byte = 254
	Nibble8      byte = 255
	packedMaxLen      = 127 * 2
)

// SingleByteTokens is the primary dictionary. Index 0 is reserved for
// ListEmpty and never used as a token. Both ends must share this table
// byte for byte; reordering it breaks compatibility with the service.
var SingleByteTokens = [...]string{
	"",
	"xmlstreamstart", "xmlstreamend", "s.whatsapp.net", "type", "participant",
	"from", "receipt", "id", "notification", "disappearing_mode",
	"status", "jid", "broadcast", "user", "devices",
	"device_hash", "to", "offline", "message", "result",
	"class", "xmlns", "duration", "notify", "iq",
	"t", "ack", "g.us", "enc", "urn:xmpp:whatsapp:push",
	"presence", "config_value", "picture", "verified_name", "config_code",
	"key-index-list", "contact", "mediatype", "routing_info", "edge_routing",
	"get", "read", "urn:xmpp:ping", "fallback_hostname", "0",
	"chatstate", "business_hours_config", "unavailable", "download_buckets", "skmsg",
	"verified_level", "composing", "handshake", "device-list", "media",
	"text", "fallback_ip4", "media_conn", "device", "creation",
	"location", "config", "item", "fallback_ip6", "count",
	"w:profile:picture", "image", "business", "2", "hostname",
	"call-creator", "display_name", "relaylatency", "platform", "abprops",
	"success", "msg", "offline_preview", "prop", "key-index",
	"v", "day_of_week", "pkmsg", "version", "1",
	"ping", "w:p", "download", "video", "set",
	"specific_hours", "props", "primary", "unknown", "hash",
	"commerce_experience", "last", "subscribe", "max_buckets", "call",
	"profile", "member_since_text", "close_time", "call-id", "sticker",
	"mode", "participants", "value", "query", "profile_options",
	"open_time", "code", "list", "host", "ts",
	"contacts", "upload", "lid", "preview", "update",
	"usync", "w:stats", "delivery", "auth_ttl", "context",
	"fail", "cart_enabled", "appdata", "category", "atn",
	"direct_connection", "decrypt-fail", "relay_id", "mmg-fallback.whatsapp.net", "target",
	"available", "name", "last_id", "mmg.whatsapp.net", "categories",
	"401", "is_new", "index", "tctoken", "ip4",
	"token_id", "latency", "recipient", "edit", "ip6",
	"add", "thumbnail-document", "26", "paused", "true",
	"identity", "stream:error", "key", "sidelist", "background",
	"audio", "3", "thumbnail-image", "biz-cover-photo", "cat",
	"gcm", "thumbnail-video", "error", "auth", "deny",
	"serial", "in", "registration", "thumbnail-link", "remove",
	"00", "gif", "thumbnail-gif", "tag", "capability",
	"multicast", "item-not-found", "description", "business_hours", "config_expo_key",
	"md-app-state", "expiration", "fallback", "ttl", "300",
	"md-msg-hist", "device_orientation", "out", "w:m", "open_24h",
	"side_list", "token", "inactive", "01", "document",
	"te2", "played", "encrypt", "msgr", "hide",
	"direct_path", "12", "state", "not-authorized", "url",
	"terminate", "signature", "status-revoke-delay", "02", "te",
	"linked_accounts", "trusted_contact", "timezone", "ptt", "kyc-id",
	"privacy_token", "readreceipts", "appointment_only", "address", "expected_ts",
	"privacy", "7", "android", "interactive", "device-identity",
}

// DoubleByteTokens are the secondary dictionary pages, addressed by
// Dictionary0..Dictionary3 followed by a one byte index.
var DoubleByteTokens = [4][]string{
	{
		"pair-device", "pair-success", "pair-device-sign", "ref", "adv_secret",
		"account-identity", "device-signature", "link-code-request", "link-code",
		"companion_hello", "companion_finish", "remove-companion-device", "md",
		"login", "register", "failure", "reason", "passive", "pull", "method",
		"scan", "phone", "identity-key", "signed-pre-key", "registration-id",
		"stream:features", "challenge", "response", "pong", "logout",
		"fingerprint", "noise-key", "device-id", "session", "resume",
	},
	{
		"composing", "recording", "paused", "unavailable", "available",
		"delivered", "sender", "played-self", "read-self", "inactive",
		"peer_msg", "hist_sync", "server-error", "retry", "enc_rekey",
	},
	{},
	{},
}

var (
	singleByteIndex = make(map[string]byte, len(SingleByteTokens))
	doubleByteIndex = make(map[string][2]byte)
)

func init() {
	for i, tok := range SingleByteTokens {
		if i == 0 || tok == "" {
			continue
		}
		if _, dup := singleByteIndex[tok]; !dup {
			singleByteIndex[tok] = byte(i)
		}
	}
	for page, toks := range DoubleByteTokens {
		for i, tok := range toks {
			if _, inSingle := singleByteIndex[tok]; inSingle {
				continue
			}
			if _, dup := doubleByteIndex[tok]; !dup {
				doubleByteIndex[tok] = [2]byte{Dictionary0 + byte(page), byte(i)}
			}
		}
	}
}

// LookupToken returns the wire encoding of s if it is in a dictionary
func LookupToken(s string) ([]byte, bool) {
	if idx, ok := singleByteIndex[s]; ok {
		return []byte{idx}, true
	}
	if pair, ok := doubleByteIndex[s]; ok {
		return pair[:], true
	}
	return nil, false
}
