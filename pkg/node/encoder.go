package node

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

type encoder struct {
	buf []byte
}

// Encode serializes n into the compact binary format.
// It fails with ErrInvalidNode if n violates the node invariants.
func Encode(n Node) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	e := &encoder{buf: make([]byte, 0, 128)}
	if err := e.writeNode(n); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func (e *encoder) writeNode(n Node) error {
	hasBody := n.Content != nil || n.Children != nil
	size := 1 + 2*len(n.Attrs)
	if hasBody {
		size++
	}
	if err := e.writeListStart(size); err != nil {
		return fmt.Errorf("<%s>: %w", n.Tag, err)
	}
	e.writeString(n.Tag)
	for _, a := range n.Attrs {
		e.writeString(a.Key)
		e.writeString(a.Value)
	}

	switch {
	case n.Content != nil:
		e.writeBytes(n.Content)
	case n.Children != nil:
		if err := e.writeListStart(len(n.Children)); err != nil {
			return fmt.Errorf("<%s> children: %w", n.Tag, err)
		}
		for _, c := range n.Children {
			if err := e.writeNode(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *encoder) writeListStart(size int) error {
	switch {
	case size == 0:
		e.buf = append(e.buf, ListEmpty)
	case size < 256:
		e.buf = append(e.buf, List8, byte(size))
	case size <= math.MaxUint16:
		e.buf = append(e.buf, List16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(size))
	default:
		return fmt.Errorf("%w: list of %d entries exceeds limit", ErrInvalidNode, size)
	}
	return nil
}

func (e *encoder) writeString(s string) {
	if s == "" {
		e.buf = append(e.buf, Binary8, 0)
		return
	}
	if tok, ok := LookupToken(s); ok {
		e.buf = append(e.buf, tok...)
		return
	}
	if at := strings.IndexByte(s, '@'); at >= 0 && strings.Count(s, "@") == 1 {
		e.writeJID(s[:at], s[at+1:])
		return
	}
	if len(s) <= packedMaxLen {
		if isNibble(s) {
			e.writePacked(Nibble8, s)
			return
		}
		if isHex(s) {
			e.writePacked(Hex8, s)
			return
		}
	}
	e.writeBytes([]byte(s))
}

func (e *encoder) writeJID(user, server string) {
	e.buf = append(e.buf, JIDPair)
	if user == "" {
		e.buf = append(e.buf, ListEmpty)
	} else {
		e.writeString(user)
	}
	e.writeString(server)
}

func (e *encoder) writeBytes(b []byte) {
	n := len(b)
	switch {
	case n < 256:
		e.buf = append(e.buf, Binary8, byte(n))
	case n < 1<<20:
		e.buf = append(e.buf, Binary20, byte(n>>16&0x0f), byte(n>>8), byte(n))
	default:
		e.buf = append(e.buf, Binary32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(n))
	}
	e.buf = append(e.buf, b...)
}

func (e *encoder) writePacked(tag byte, s string) {
	packed := (len(s) + 1) / 2
	head := byte(packed)
	if len(s)%2 == 1 {
		head |= 0x80
	}
	e.buf = append(e.buf, tag, head)
	for i := 0; i < len(s); i += 2 {
		hi := packNibble(tag, s[i])
		lo := byte(0x0f)
		if i+1 < len(s) {
			lo = packNibble(tag, s[i+1])
		}
		e.buf = append(e.buf, hi<<4|lo)
	}
}

func packNibble(tag byte, c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case tag == Nibble8 && c == '-':
		return 10
	case tag == Nibble8 && c == '.':
		return 11
	case tag == Hex8 && c >= 'A' && c <= 'F':
		return 10 + c - 'A'
	}
	// callers only pack strings that passed isNibble/isHex
	panic(fmt.Sprintf("node: cannot pack %q", c))
}

func isNibble(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
