package node

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Payload flag bits (first byte of every decrypted data frame)
const (
	FlagCompressed byte = 0x02
)

// MaxPayloadSize bounds a decompressed payload
const MaxPayloadSize = 16 << 20

// Marshal encodes n and prefixes the payload flag byte
func Marshal(n Node) ([]byte, error) {
	enc, err := Encode(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(enc))
	copy(out[1:], enc)
	return out, nil
}

// MarshalCompressed encodes n and zlib-compresses the result
func MarshalCompressed(n Node) ([]byte, error) {
	enc, err := Encode(n)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(FlagCompressed)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(enc); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal reverses Marshal and MarshalCompressed
func Unmarshal(data []byte) (Node, error) {
	if len(data) == 0 {
		return Node{}, fmt.Errorf("%w: empty payload", ErrMalformedNode)
	}
	flags, body := data[0], data[1:]
	if flags&FlagCompressed != 0 {
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return Node{}, fmt.Errorf("%w: bad compressed payload: %v", ErrMalformedNode, err)
		}
		defer zr.Close()
		inflated, err := io.ReadAll(io.LimitReader(zr, MaxPayloadSize+1))
		if err != nil {
			return Node{}, fmt.Errorf("%w: bad compressed payload: %v", ErrMalformedNode, err)
		}
		if len(inflated) > MaxPayloadSize {
			return Node{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedNode, MaxPayloadSize)
		}
		body = inflated
	}
	return Decode(body)
}
