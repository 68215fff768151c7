package transport

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"

	"raftchat/internal/resp"
)

var encodings = map[string]encoding.Encoding{
	"gbk":        simplifiedchinese.GBK,
	"gb18030":    simplifiedchinese.GB18030,
	"big5":       traditionalchinese.Big5,
	"latin1":     charmap.ISO8859_1,
	"iso-8859-1": charmap.ISO8859_1,
}

// Charset turns reply bytes into text: strict UTF-8 first, then each
// secondary encoding in order, finally lossy UTF-8.
type Charset struct {
	names     []string
	fallbacks []encoding.Encoding
}

// DefaultCharset tries UTF-8 then GBK.
var DefaultCharset = MustCharset("gbk")

// NewCharset builds a chain from secondary encoding names. "utf-8" entries
// are accepted and skipped since UTF-8 is always tried first.
func NewCharset(names ...string) (*Charset, error) {
	c := &Charset{}
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "utf-8" || key == "utf8" || key == "" {
			continue
		}
		enc, ok := encodings[key]
		if !ok {
			return nil, fmt.Errorf("unknown charset %q", name)
		}
		c.names = append(c.names, key)
		c.fallbacks = append(c.fallbacks, enc)
	}
	return c, nil
}

// MustCharset is NewCharset that panics on unknown names.
func MustCharset(names ...string) *Charset {
	c, err := NewCharset(names...)
	if err != nil {
		panic(err)
	}
	return c
}

// Names lists the secondary encodings in the order they are tried.
func (c *Charset) Names() []string {
	return append([]string{"utf-8"}, c.names...)
}

// Decode never fails.
func (c *Charset) Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	if c != nil {
		for _, enc := range c.fallbacks {
			out, err := enc.NewDecoder().Bytes(b)
			if err != nil || !utf8.Valid(out) || strings.ContainsRune(string(out), utf8.RuneError) {
				continue
			}
			return string(out)
		}
	}
	return resp.UTF8Text(b)
}
