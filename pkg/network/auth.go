package network

import (
	"strconv"

	"github.com/ZentaChain/nocksup/pkg/node"
	"github.com/ZentaChain/nocksup/pkg/protocol"
	"github.com/ZentaChain/nocksup/pkg/store"
)

// SessionInvalidated is the payload of session-invalidated events
type SessionInvalidated struct {
	DeviceID string
	JID      string
	Reason   string
}

func (c *Client) hello() node.Node {
	return node.New("hello", "version", c.cfg.ClientVersion, "platform", c.cfg.Platform)
}

// loginNode resumes a paired session
func loginNode(s *store.Session) node.Node {
	return node.New(protocol.TagLogin,
		"device-id", s.DeviceID,
		"jid", s.JID,
		"registration-id", strconv.FormatUint(uint64(s.RegistrationID), 10),
		"passive", "false",
	)
}

// registerNode announces a new device and its public keys
func registerNode(s *store.Session) node.Node {
	spk := s.SignedPreKey
	return node.New(protocol.TagRegister,
		"device-id", s.DeviceID,
		"registration-id", strconv.FormatUint(uint64(s.RegistrationID), 10),
	).WithChildren(
		node.Node{Tag: "identity-key", Content: s.IdentityKey.PublicKey},
		node.New("signed-pre-key",
			"id", strconv.FormatUint(uint64(spk.KeyID), 10),
			"t", strconv.FormatUint(spk.Timestamp, 10),
		).WithChildren(
			node.Node{Tag: "key", Content: spk.Key.Public},
			node.Node{Tag: "signature", Content: spk.Signature},
		),
	)
}

func iqResult(id string) node.Node {
	return node.New(protocol.TagIQ, "id", id, "to", protocol.ServerUser, "type", protocol.IQResult)
}

func iqError(id, code, text string) node.Node {
	return node.New(protocol.TagIQ, "id", id, "to", protocol.ServerUser, "type", protocol.IQError).
		WithChildren(node.New(protocol.TagError, "code", code, "text", text))
}
