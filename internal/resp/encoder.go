package resp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// Encode frames args as a RESP array of bulk strings:
// *<argc>\r\n followed by $<byteLen>\r\n<arg>\r\n per argument.
func Encode(args ...string) []byte {
	size := 16
	for _, a := range args {
		size += len(a) + 16
	}
	return AppendCommand(make([]byte, 0, size), args...)
}

// AppendCommand appends the array frame for args to dst.
// Lengths are byte lengths, so multi-byte text round-trips.
func AppendCommand(dst []byte, args ...string) []byte {
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, '\r', '\n')
	for _, a := range args {
		dst = AppendBulk(dst, a)
	}
	return dst
}

// AppendBulk appends $<len>\r\n<s>\r\n to dst.
func AppendBulk(dst []byte, s string) []byte {
	dst = append(dst, '$')
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, '\r', '\n')
	dst = append(dst, s...)
	return append(dst, '\r', '\n')
}

// EncodeValue turns a logical value into the string stored under a key.
// Strings and byte slices pass through, structured values are JSON
// encoded without HTML or non-ASCII escaping, anything else is
// formatted with fmt.Sprint.
func EncodeValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case json.RawMessage:
		var buf bytes.Buffer
		if err := json.Compact(&buf, val); err != nil {
			return "", fmt.Errorf("compact raw json: %w", err)
		}
		return buf.String(), nil
	}

	if !structured(reflect.ValueOf(v)) {
		return fmt.Sprint(v), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func structured(rv reflect.Value) bool {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	default:
		return false
	}
}
