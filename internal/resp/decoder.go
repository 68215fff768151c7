package resp

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// TextFunc converts raw payload bytes to text.
type TextFunc func([]byte) string

var (
	crlf = []byte("\r\n")

	movedRe = regexp.MustCompile(`^MOVED\s+(\d+)`)

	// last resort only: greedy outermost object or array
	embeddedJSONRe = regexp.MustCompile(`(?s)(\[.*\]|\{.*\})`)
)

// Decode interprets buf as a single reply using UTF-8 text.
// It never fails: malformed input degrades to an unframed raw-text reply
// and truncated input yields Incomplete.
func Decode(buf []byte) Reply {
	return DecodeWith(buf, nil)
}

// DecodeWith is Decode with a caller supplied byte-to-text conversion.
func DecodeWith(buf []byte, text TextFunc) Reply {
	if text == nil {
		text = UTF8Text
	}
	d := decoder{text: text}
	return d.decode(buf)
}

// UTF8Text converts b to a string, replacing invalid sequences.
func UTF8Text(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

type decoder struct {
	text TextFunc
}

func (d *decoder) decode(buf []byte) Reply {
	if len(bytes.TrimSpace(buf)) == 0 {
		return Reply{Kind: Incomplete}
	}

	switch buf[0] {
	case '$':
		return d.decodeBulk(buf)
	case '*':
		return d.decodeArray(buf)
	case '+':
		return d.decodeStatus(buf)
	case '-':
		line, _, ok := cutLine(buf[1:])
		if !ok {
			return Reply{Kind: Incomplete}
		}
		return Reply{Kind: Error, Text: d.text(line)}
	case ':':
		line, _, ok := cutLine(buf[1:])
		if !ok {
			return Reply{Kind: Incomplete}
		}
		return Reply{Kind: Status, Text: d.text(line)}
	default:
		return d.bare(buf)
	}
}

func (d *decoder) decodeBulk(buf []byte) Reply {
	head, rest, ok := cutLine(buf[1:])
	if !ok {
		return Reply{Kind: Incomplete}
	}
	n, err := strconv.Atoi(string(head))
	if err != nil {
		return d.fallback(buf)
	}
	if n < 0 {
		return Reply{Kind: Null}
	}
	if len(rest) < n {
		return Reply{Kind: Incomplete}
	}
	return d.bulk(rest[:n])
}

func (d *decoder) bulk(content []byte) Reply {
	s := d.text(content)
	r := Reply{Kind: Bulk, Text: s}
	if v, ok := parseJSON(s); ok {
		r.Data = v
	}
	return r
}

func (d *decoder) decodeArray(buf []byte) Reply {
	elems, state := scanArray(buf, d.text)
	switch state {
	case frameShort:
		return Reply{Kind: Incomplete}
	case frameNull:
		return Reply{Kind: Null}
	case frameOK:
		// the cluster answers a missing key with a one-element "nil" array
		if len(elems) == 1 && elems[0] == "nil" {
			return Reply{Kind: Null}
		}
		for _, e := range elems {
			if v, ok := parseJSON(e); ok {
				return Reply{Kind: Bulk, Text: e, Data: v, Elems: elems}
			}
		}
		// plain values come back split on whitespace
		return Reply{Kind: Bulk, Text: strings.Join(elems, " "), Elems: elems}
	default:
		return d.fallback(buf)
	}
}

func (d *decoder) decodeStatus(buf []byte) Reply {
	line, _, ok := cutLine(buf[1:])
	if !ok {
		return Reply{Kind: Incomplete}
	}
	text := d.text(line)
	if m := movedRe.FindStringSubmatch(text); m != nil {
		// an unparsable id stays 0 and is rejected by the router's bounds check
		target, err := strconv.Atoi(m[1])
		if err != nil {
			target = 0
		}
		return Reply{Kind: Redirect, Text: text, Target: target}
	}
	if strings.HasPrefix(text, "TRYAGAIN") {
		return Reply{Kind: TryAgain, Text: text}
	}
	return Reply{Kind: Status, Text: text}
}

func (d *decoder) bare(buf []byte) Reply {
	s := strings.TrimSpace(d.text(buf))
	if v, ok := parseJSON(s); ok {
		return Reply{Kind: Bulk, Text: s, Data: v, Unframed: true}
	}
	return Reply{Kind: Bulk, Text: d.text(buf), Unframed: true}
}

// fallback handles frames whose declared lengths cannot be trusted.
func (d *decoder) fallback(buf []byte) Reply {
	raw := d.text(buf)
	if m := embeddedJSONRe.FindString(raw); m != "" {
		if v, ok := parseJSON(m); ok {
			return Reply{Kind: Bulk, Text: m, Data: v, Unframed: true}
		}
	}
	return Reply{Kind: Bulk, Text: raw, Unframed: true}
}

// FrameComplete reports whether buf holds a whole reply frame.
func FrameComplete(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	switch buf[0] {
	case '$':
		head, rest, ok := cutLine(buf[1:])
		if !ok {
			return false
		}
		n, err := strconv.Atoi(string(head))
		if err != nil {
			return bytes.HasSuffix(buf, crlf)
		}
		if n < 0 {
			return true
		}
		return len(rest) >= n+2
	case '*':
		_, state := scanArray(buf, func(b []byte) string { return string(b) })
		switch state {
		case frameOK, frameNull:
			return true
		case frameShort:
			return false
		default:
			return bytes.HasSuffix(buf, crlf)
		}
	case '+', '-', ':':
		return bytes.HasSuffix(buf, crlf)
	default:
		return false
	}
}

type frameState int

const (
	frameOK frameState = iota
	frameNull
	frameShort
	frameBad
)

// scanArray walks an array frame element by element using declared lengths.
func scanArray(buf []byte, text TextFunc) ([]string, frameState) {
	head, rest, ok := cutLine(buf[1:])
	if !ok {
		return nil, frameShort
	}
	count, err := strconv.Atoi(string(head))
	if err != nil {
		return nil, frameBad
	}
	if count < 0 {
		return nil, frameNull
	}

	elems := make([]string, 0, min(count, 64))
	for i := 0; i < count; i++ {
		var (
			elem  string
			state frameState
		)
		elem, rest, state = scanElement(rest, text)
		if state != frameOK {
			return nil, state
		}
		elems = append(elems, elem)
	}
	return elems, frameOK
}

func scanElement(b []byte, text TextFunc) (string, []byte, frameState) {
	if len(b) == 0 {
		return "", nil, frameShort
	}
	switch b[0] {
	case '$':
		head, rest, ok := cutLine(b[1:])
		if !ok {
			return "", nil, frameShort
		}
		n, err := strconv.Atoi(string(head))
		if err != nil {
			return "", nil, frameBad
		}
		if n < 0 {
			return "", rest, frameOK
		}
		if len(rest) < n+2 {
			return "", nil, frameShort
		}
		if rest[n] != '\r' || rest[n+1] != '\n' {
			return "", nil, frameBad
		}
		return text(rest[:n]), rest[n+2:], frameOK
	case '+', '-', ':':
		line, rest, ok := cutLine(b[1:])
		if !ok {
			return "", nil, frameShort
		}
		return text(line), rest, frameOK
	default:
		return "", nil, frameBad
	}
}

func cutLine(b []byte) (line, rest []byte, ok bool) {
	i := bytes.Index(b, crlf)
	if i < 0 {
		return nil, nil, false
	}
	return b[:i], b[i+2:], true
}

func looksJSON(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

func parseJSON(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if !looksJSON(s) {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return v, true
}
