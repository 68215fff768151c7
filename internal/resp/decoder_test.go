package resp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTripMultiByte(t *testing.T) {
	args := []string{"SET", "k", "hello 世界"}
	frame := Encode(args...)

	reply := Decode(frame)
	require.Equal(t, Bulk, reply.Kind)
	require.False(t, reply.Unframed)
	require.Equal(t, args, reply.Elems)
}

func TestDecodeNullIsNotEmpty(t *testing.T) {
	null := Decode([]byte("$-1\r\n"))
	require.Equal(t, Null, null.Kind)

	empty := Decode([]byte("$0\r\n\r\n"))
	require.Equal(t, Bulk, empty.Kind)
	require.Equal(t, "", empty.Text)
}

func TestDecodeTruncatedBulkIsIncomplete(t *testing.T) {
	require.Equal(t, Incomplete, Decode([]byte("$10\r\nabc")).Kind)
	require.Equal(t, Incomplete, Decode([]byte("$10")).Kind)
	require.Equal(t, Incomplete, Decode(nil).Kind)
	require.Equal(t, Incomplete, Decode([]byte("  \r\n")).Kind)
}

func TestDecodeBulkNeverReadsPastDeclaredLength(t *testing.T) {
	reply := Decode([]byte("$3\r\nabcdef\r\n"))
	require.Equal(t, Bulk, reply.Kind)
	require.Equal(t, "abc", reply.Text)
}

func TestDecodeBulkByteLength(t *testing.T) {
	// 世界 is six bytes
	reply := Decode([]byte("$6\r\n世界\r\n"))
	require.Equal(t, Bulk, reply.Kind)
	require.Equal(t, "世界", reply.Text)
}

func TestDecodeBulkJSON(t *testing.T) {
	payload := `[{"role":"user","content":"你好"}]`
	reply := Decode(AppendBulk(nil, payload))
	require.Equal(t, Bulk, reply.Kind)
	require.True(t, reply.Structured())

	msgs, ok := reply.Data.([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]any)
	assert.Equal(t, "你好", msg["content"])
}

func TestDecodeBulkBrokenJSONKeepsText(t *testing.T) {
	reply := Decode(AppendBulk(nil, `{"a":`+"}"))
	require.Equal(t, Bulk, reply.Kind)
	require.Nil(t, reply.Data)
	require.Equal(t, `{"a":}`, reply.Text)
}

func TestDecodeBulkNumbersStayExact(t *testing.T) {
	reply := Decode(AppendBulk(nil, `{"n":12345678901234567890}`))
	require.True(t, reply.Structured())
	n := reply.Data.(map[string]any)["n"].(json.Number)
	require.Equal(t, "12345678901234567890", n.String())
}

func TestDecodeStatusReplies(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		kind   Kind
		text   string
		target int
	}{
		{name: "ok", in: "+OK\r\n", kind: Status, text: "OK"},
		{name: "moved", in: "+MOVED 2\r\n", kind: Redirect, text: "MOVED 2", target: 2},
		{name: "tryagain", in: "+TRYAGAIN\r\n", kind: TryAgain, text: "TRYAGAIN"},
		{name: "error", in: "-ERR wrong number of arguments\r\n", kind: Error, text: "ERR wrong number of arguments"},
		{name: "integer", in: ":1\r\n", kind: Status, text: "1"},
		{name: "unterminated", in: "+OK", kind: Incomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := Decode([]byte(tt.in))
			require.Equal(t, tt.kind, reply.Kind)
			if tt.kind != Incomplete {
				require.Equal(t, tt.text, reply.Text)
			}
			require.Equal(t, tt.target, reply.Target)
		})
	}
}

func TestDecodeMovedWithHugeIDIsRejectedLater(t *testing.T) {
	reply := Decode([]byte("+MOVED 99999999999999999999999\r\n"))
	require.Equal(t, Redirect, reply.Kind)
	require.Equal(t, 0, reply.Target)
}

func TestDecodeArrayNilMarker(t *testing.T) {
	require.Equal(t, Null, Decode([]byte("*1\r\n$3\r\nnil\r\n")).Kind)
	require.Equal(t, Null, Decode([]byte("*-1\r\n")).Kind)
}

func TestDecodeArrayJoinsPlainValue(t *testing.T) {
	reply := Decode([]byte("*2\r\n$5\r\nhello\r\n$5\r\nworld\r\n"))
	require.Equal(t, Bulk, reply.Kind)
	require.Equal(t, "hello world", reply.Text)
	require.Equal(t, []string{"hello", "world"}, reply.Elems)
	require.False(t, reply.Unframed)
}

func TestDecodeArrayEmbeddedJSON(t *testing.T) {
	payload := `{"title":"a b"}`
	frame := AppendCommand(nil, "x", payload)
	reply := Decode(frame)
	require.Equal(t, Bulk, reply.Kind)
	require.Equal(t, payload, reply.Text)
	require.Equal(t, "a b", reply.Data.(map[string]any)["title"])
}

func TestDecodeArrayTruncated(t *testing.T) {
	require.Equal(t, Incomplete, Decode([]byte("*2\r\n$5\r\nhello\r\n")).Kind)
	require.Equal(t, Incomplete, Decode([]byte("*2\r\n$5\r\nhel")).Kind)
}

func TestDecodeArrayBracketsInsideFramedValue(t *testing.T) {
	// unbalanced brackets across elements must not be stitched together
	reply := Decode(AppendCommand(nil, "note:", "[1,", "2]"))
	require.Equal(t, Bulk, reply.Kind)
	require.Equal(t, "note: [1, 2]", reply.Text)
	require.Nil(t, reply.Data)
}

func TestDecodeMalformedArrayFallsBackToExtraction(t *testing.T) {
	reply := Decode([]byte("*x\r\n[1,2,3]\r\n"))
	require.Equal(t, Bulk, reply.Kind)
	require.True(t, reply.Unframed)
	require.Equal(t, "[1,2,3]", reply.Text)
	require.Len(t, reply.Data, 3)
}

func TestDecodeBareText(t *testing.T) {
	reply := Decode([]byte(`{"k":"v"}`))
	require.Equal(t, Bulk, reply.Kind)
	require.True(t, reply.Unframed)
	require.Equal(t, "v", reply.Data.(map[string]any)["k"])

	raw := Decode([]byte("ERROR: cluster unreachable"))
	require.Equal(t, Bulk, raw.Kind)
	require.True(t, raw.Unframed)
	require.Equal(t, "ERROR: cluster unreachable", raw.Text)
	require.Nil(t, raw.Data)
}

func TestDecodeWithCustomText(t *testing.T) {
	upper := func(b []byte) string { return "<" + string(b) + ">" }
	reply := DecodeWith([]byte("$2\r\nhi\r\n"), upper)
	require.Equal(t, "<hi>", reply.Text)
}

func TestFrameComplete(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"$3\r\nabc\r\n", true},
		{"$3\r\nabc", false},
		{"$3\r\nab", false},
		{"$-1\r\n", true},
		{"$", false},
		{"+OK\r\n", true},
		{"+OK", false},
		{"-ERR x\r\n", true},
		{":3\r\n", true},
		{"*1\r\n$3\r\nnil\r\n", true},
		{"*2\r\n$1\r\na\r\n", false},
		{"*2\r\n$1\r\na\r\n$1\r\nb\r\n", true},
		{"hello", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrameComplete([]byte(tt.in)), "input %q", tt.in)
	}
}
