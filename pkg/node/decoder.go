package node

import (
	"encoding/binary"
	"fmt"
)

type decoder struct {
	data []byte
	pos  int
}

// Decode parses a single node from data. The whole buffer must be consumed.
// Any structural problem yields an error wrapping ErrMalformedNode.
func Decode(data []byte) (Node, error) {
	d := &decoder{data: data}
	n, err := d.readNode()
	if err != nil {
		return Node{}, err
	}
	if d.pos != len(d.data) {
		return Node{}, d.errorf("%d trailing bytes", len(d.data)-d.pos)
	}
	return n, nil
}

func (d *decoder) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrMalformedNode, d.pos, fmt.Sprintf(format, args...))
}

func (d *decoder) remaining() int {
	return len(d.data) - d.pos
}

func (d *decoder) readByte() (byte, error) {
	if d.remaining() < 1 {
		return 0, d.errorf("unexpected end of input")
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readN(n int) ([]byte, error) {
	if n < 0 || n > d.remaining() {
		return nil, d.errorf("length %d exceeds remaining %d bytes", n, d.remaining())
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readListSize(tag byte) (int, error) {
	switch tag {
	case ListEmpty:
		return 0, nil
	case List8:
		b, err := d.readByte()
		return int(b), err
	case List16:
		b, err := d.readN(2)
		if err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint16(b)), nil
	default:
		return 0, d.errorf("expected list, got tag %d", tag)
	}
}

func (d *decoder) readNode() (Node, error) {
	tag, err := d.readByte()
	if err != nil {
		return Node{}, err
	}
	size, err := d.readListSize(tag)
	if err != nil {
		return Node{}, err
	}
	if size == 0 {
		return Node{}, d.errorf("empty node list")
	}
	// a tag plus each key/value takes at least one byte
	attrCount := (size - 1) / 2
	if 1+attrCount*2 > d.remaining() {
		return Node{}, d.errorf("attribute count %d inconsistent with %d remaining bytes", attrCount, d.remaining())
	}

	var n Node
	if n.Tag, err = d.readStringTag(); err != nil {
		return Node{}, err
	}
	if n.Tag == "" {
		return Node{}, d.errorf("empty tag")
	}

	if attrCount > 0 {
		n.Attrs = make(Attrs, 0, attrCount)
	}
	for i := 0; i < attrCount; i++ {
		key, err := d.readStringTag()
		if err != nil {
			return Node{}, err
		}
		if key == "" {
			return Node{}, d.errorf("empty attribute key in <%s>", n.Tag)
		}
		value, err := d.readStringTag()
		if err != nil {
			return Node{}, err
		}
		n.Attrs = append(n.Attrs, Attr{Key: key, Value: value})
	}

	if (size-1)%2 == 0 {
		return n, nil
	}

	bodyTag, err := d.readByte()
	if err != nil {
		return Node{}, err
	}
	switch bodyTag {
	case ListEmpty, List8, List16:
		count, err := d.readListSize(bodyTag)
		if err != nil {
			return Node{}, err
		}
		if count*2 > d.remaining() {
			return Node{}, d.errorf("child count %d inconsistent with %d remaining bytes", count, d.remaining())
		}
		n.Children = make([]Node, 0, count)
		for i := 0; i < count; i++ {
			child, err := d.readNode()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		}
	case Binary8, Binary20, Binary32:
		b, err := d.readBinary(bodyTag)
		if err != nil {
			return Node{}, err
		}
		n.Content = make([]byte, len(b))
		copy(n.Content, b)
	default:
		return Node{}, d.errorf("unexpected body tag %d in <%s>", bodyTag, n.Tag)
	}
	return n, nil
}

func (d *decoder) readBinary(tag byte) ([]byte, error) {
	var size int
	switch tag {
	case Binary8:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		size = int(b)
	case Binary20:
		b, err := d.readN(3)
		if err != nil {
			return nil, err
		}
		size = int(b[0]&0x0f)<<16 | int(b[1])<<8 | int(b[2])
	case Binary32:
		b, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		size = int(binary.BigEndian.Uint32(b))
	}
	return d.readN(size)
}

func (d *decoder) readStringTag() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	return d.readString(tag)
}

func (d *decoder) readString(tag byte) (string, error) {
	switch {
	case tag == ListEmpty:
		return "", nil
	case tag < Dictionary0:
		if int(tag) >= len(SingleByteTokens) {
			return "", d.errorf("token index %d out of range", tag)
		}
		return SingleByteTokens[tag], nil
	case tag <= Dictionary3:
		idx, err := d.readByte()
		if err != nil {
			return "", err
		}
		page := DoubleByteTokens[tag-Dictionary0]
		if int(idx) >= len(page) {
			return "", d.errorf("dictionary %d index %d out of range", tag-Dictionary0, idx)
		}
		return page[idx], nil
	case tag == JIDPair:
		user, err := d.readStringTag()
		if err != nil {
			return "", err
		}
		server, err := d.readStringTag()
		if err != nil {
			return "", err
		}
		return user + "@" + server, nil
	case tag == Nibble8 || tag == Hex8:
		return d.readPacked(tag)
	case tag == Binary8 || tag == Binary20 || tag == Binary32:
		b, err := d.readBinary(tag)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", d.errorf("unexpected string tag %d", tag)
	}
}

func (d *decoder) readPacked(tag byte) (string, error) {
	head, err := d.readByte()
	if err != nil {
		return "", err
	}
	odd := head&0x80 != 0
	packed, err := d.readN(int(head & 0x7f))
	if err != nil {
		return "", err
	}
	if odd && len(packed) == 0 {
		return "", d.errorf("odd flag on empty packed string")
	}
	out := make([]byte, 0, len(packed)*2)
	for i, b := range packed {
		hi, err := d.unpackNibble(tag, b>>4)
		if err != nil {
			return "", err
		}
		out = append(out, hi)
		if odd && i == len(packed)-1 {
			if b&0x0f != 0x0f {
				return "", d.errorf("bad padding nibble %#x", b&0x0f)
			}
			break
		}
		lo, err := d.unpackNibble(tag, b&0x0f)
		if err != nil {
			return "", err
		}
		out = append(out, lo)
	}
	return string(out), nil
}

func (d *decoder) unpackNibble(tag byte, v byte) (byte, error) {
	switch {
	case v <= 9:
		return '0' + v, nil
	case tag == Nibble8 && v == 10:
		return '-', nil
	case tag == Nibble8 && v == 11:
		return '.', nil
	case tag == Hex8 && v <= 15:
		return 'A' + v - 10, nil
	}
	return 0, d.errorf("invalid nibble %#x", v)
}
