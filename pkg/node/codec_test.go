package node

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		node Node
	}{
		{
			name: "bare tag",
			node: Node{Tag: "iq"},
		},
		{
			name: "unknown tag",
			node: Node{Tag: "custom-stanza"},
		},
		{
			name: "dictionary attributes",
			node: New("iq", "id", "1.2", "type", "get", "xmlns", "w:p"),
		},
		{
			name: "double byte tokens",
			node: New("pair-device", "method", "scan"),
		},
		{
			name: "jid attribute",
			node: New("message", "to", "15551234567@s.whatsapp.net", "from", "@g.us"),
		},
		{
			name: "nibble and hex values",
			node: New("receipt", "t", "1700000000", "id", "3EB0C767D26A1D8E", "v", "2.24.3-76", "odd", "12345"),
		},
		{
			name: "empty attribute value",
			node: New("presence", "name", ""),
		},
		{
			name: "binary content",
			node: New("enc", "v", "2", "type", "pkmsg").WithContent([]byte{0x00, 0xff, 0x10, 0x80}),
		},
		{
			name: "empty binary content",
			node: Node{Tag: "ref", Content: []byte{}},
		},
		{
			name: "empty children",
			node: Node{Tag: "list", Children: []Node{}},
		},
		{
			name: "nested children",
			node: New("iq", "id", "abc.1", "type", "result").WithChildren(
				New("pair-device").WithChildren(
					Node{Tag: "ref", Content: []byte("token-1")},
					Node{Tag: "ref", Content: []byte("token-2")},
				),
				New("ping"),
			),
		},
		{
			name: "large content uses 20 bit length",
			node: Node{Tag: "media", Content: bytes.Repeat([]byte{0xab}, 70000)},
		},
		{
			name: "long string falls back to binary",
			node: New("text", "body", strings.Repeat("x", 400)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.node)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)

			if !Equal(tt.node, decoded) {
				t.Errorf("round trip mismatch\nwant %s\n got %s", tt.node, decoded)
			}
		})
	}
}

func TestRoundTripRandomNodes(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := randomNode(rng, 0)
		encoded, err := Encode(n)
		require.NoError(t, err, "node %d", i)

		decoded, err := Decode(encoded)
		require.NoError(t, err, "node %d: %s", i, n)
		require.True(t, Equal(n, decoded), "node %d mismatch\nwant %s\n got %s", i, n, decoded)
	}
}

func randomString(rng *rand.Rand) string {
	switch rng.Intn(7) {
	case 0:
		return SingleByteTokens[1+rng.Intn(len(SingleByteTokens)-1)]
	case 1:
		page := DoubleByteTokens[rng.Intn(2)]
		return page[rng.Intn(len(page))]
	case 2:
		return randomFrom(rng, "0123456789-.", 1+rng.Intn(40))
	case 3:
		return randomFrom(rng, "0123456789ABCDEF", 1+rng.Intn(40))
	case 4:
		return randomFrom(rng, "0123456789", 1+rng.Intn(15)) + "@" + "s.whatsapp.net"
	case 5:
		b := make([]byte, rng.Intn(300))
		rng.Read(b)
		return string(b)
	default:
		return randomFrom(rng, "abcdefghijklmnopqrstuvwxyz_:", 1+rng.Intn(20))
	}
}

func randomFrom(rng *rand.Rand, alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}

func randomNode(rng *rand.Rand, depth int) Node {
	tag := randomString(rng)
	for tag == "" {
		tag = randomString(rng)
	}
	n := Node{Tag: tag}
	for i, attrs := 0, rng.Intn(5); i < attrs; i++ {
		key := randomString(rng)
		if key == "" {
			key = "k"
		}
		n.Attrs = append(n.Attrs, Attr{Key: key, Value: randomString(rng)})
	}
	switch rng.Intn(3) {
	case 0:
		n.Content = make([]byte, rng.Intn(64))
		rng.Read(n.Content)
	case 1:
		if depth < 3 {
			n.Children = []Node{}
			for i, kids := 0, rng.Intn(4); i < kids; i++ {
				n.Children = append(n.Children, randomNode(rng, depth+1))
			}
		}
	}
	return n
}

func TestEncodeUsesDictionary(t *testing.T) {
	encoded, err := Encode(New("iq", "type", "get"))
	require.NoError(t, err)
	// list of three entries (tag, key, value), each a single byte token
	assert.Equal(t, []byte{List8, 3, 25, 4, 41}, encoded)
}

func TestEncodeInvalidNode(t *testing.T) {
	tests := []struct {
		name string
		node Node
	}{
		{name: "empty tag", node: Node{}},
		{name: "empty attribute key", node: Node{Tag: "iq", Attrs: Attrs{{Key: "", Value: "x"}}}},
		{name: "content and children", node: Node{Tag: "iq", Content: []byte{1}, Children: []Node{}}},
		{name: "invalid child", node: Node{Tag: "iq", Children: []Node{{}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.node)
			assert.ErrorIs(t, err, ErrInvalidNode)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(New("iq", "id", "1", "type", "get").WithContent([]byte("hello")))
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty input", data: nil},
		{name: "not a list", data: []byte{Binary8, 0}},
		{name: "empty node list", data: []byte{ListEmpty}},
		{name: "truncated", data: valid[:len(valid)-2]},
		{name: "trailing bytes", data: append(append([]byte{}, valid...), 0x01)},
		{name: "length exceeds buffer", data: []byte{List8, 2, 25, Binary8, 200, 'x'}},
		{name: "attribute count exceeds buffer", data: []byte{List8, 201, 25}},
		{name: "single byte index out of range", data: []byte{List8, 1, byte(len(SingleByteTokens))}},
		{name: "double byte index out of range", data: []byte{List8, 1, Dictionary2, 0}},
		{name: "unexpected string tag", data: []byte{List8, 1, 245}},
		{name: "bad body tag", data: []byte{List8, 2, 25, 8}},
		{name: "bad nibble", data: []byte{List8, 1, Nibble8, 0x01, 0xcc}},
		{name: "bad padding", data: []byte{List8, 1, Nibble8, 0x81, 0x12}},
		{name: "empty tag", data: []byte{List8, 1, Binary8, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedNode), "got %v", err)
		})
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	n := New("message", "id", "ABC123", "to", "1555@s.whatsapp.net").WithChildren(
		New("body").WithContent(bytes.Repeat([]byte("hello "), 200)),
	)

	plain, err := Marshal(n)
	require.NoError(t, err)
	assert.Equal(t, byte(0), plain[0])

	compressed, err := MarshalCompressed(n)
	require.NoError(t, err)
	assert.Equal(t, FlagCompressed, compressed[0])
	assert.Less(t, len(compressed), len(plain))

	for _, data := range [][]byte{plain, compressed} {
		got, err := Unmarshal(data)
		require.NoError(t, err)
		assert.True(t, Equal(n, got))
	}

	_, err = Unmarshal(nil)
	assert.ErrorIs(t, err, ErrMalformedNode)

	_, err = Unmarshal([]byte{FlagCompressed, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrMalformedNode)
}

func TestNodeHelpers(t *testing.T) {
	n := New("iq", "id", "7", "type", "result").WithChildren(
		New("item", "name", "a"),
		New("item", "name", "b"),
		Node{Tag: "ref", Content: []byte("r")},
	)

	assert.Equal(t, "7", n.ID())
	assert.True(t, n.HasAttr("type"))
	assert.False(t, n.HasAttr("xmlns"))
	assert.Len(t, n.ChildrenByTag("item"), 2)

	ref, ok := n.ChildContent("ref")
	require.True(t, ok)
	assert.Equal(t, []byte("r"), ref)

	n.SetAttr("type", "error")
	n.SetAttr("code", "404")
	assert.Equal(t, "error", n.GetAttr("type"))
	assert.Equal(t, "code", n.Attrs[2].Key)

	clone := n.Clone()
	clone.Children[0].Attrs[0].Value = "changed"
	assert.Equal(t, "a", n.Children[0].GetAttr("name"))

	assert.Contains(t, n.String(), `<iq id="7"`)
	assert.False(t, Equal(Node{Tag: "x", Content: []byte{}}, Node{Tag: "x"}))
	assert.True(t, Equal(Node{Tag: "x", Attrs: Attrs{}}, Node{Tag: "x"}))
}
