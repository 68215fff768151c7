// Package transport sends one encoded command to one node over a fresh TCP
// connection and collects the reply bytes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"raftchat/internal/resp"
)

const (
	DefaultDialTimeout = 3 * time.Second
	DefaultSettleWait  = 100 * time.Millisecond
	DefaultChunkSize   = 8192
)

// Kind classifies a transport failure.
type Kind int

const (
	KindIO Kind = iota
	KindTimeout
	KindRefused
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRefused:
		return "refused"
	default:
		return "io"
	}
}

var (
	ErrTimeout = errors.New("transport: timed out")
	ErrRefused = errors.New("transport: connection refused")
)

// Error is returned for every failed exchange. errors.Is matches
// ErrTimeout and ErrRefused by Kind.
type Error struct {
	Kind Kind
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s (%s): %v", e.Op, e.Addr, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrRefused:
		return e.Kind == KindRefused
	}
	return false
}

// Response is one raw reply and its text rendering.
type Response struct {
	Raw  []byte
	Text string
}

// Transport carries no connection state; the zero value uses the defaults.
type Transport struct {
	// DialTimeout bounds the connect and every read or write.
	DialTimeout time.Duration
	// SettleWait is the extra read window after a short read.
	SettleWait time.Duration
	ChunkSize  int
	// Charset defaults to DefaultCharset.
	Charset *Charset
}

// Send dials addr, writes cmd and reads until the reply frame is complete,
// the peer closes, or a short read is followed by a quiet settle window.
func (t *Transport) Send(ctx context.Context, addr string, cmd []byte) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: t.dialTimeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("dial", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetWriteDeadline(time.Now().Add(t.dialTimeout())); err != nil {
		return nil, classify("write", addr, err)
	}
	if _, err := conn.Write(cmd); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("write", addr, err)
	}

	raw, err := t.receive(conn)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, classify("read", addr, err)
	}
	return &Response{Raw: raw, Text: t.charset().Decode(raw)}, nil
}

func (t *Transport) receive(conn net.Conn) ([]byte, error) {
	size := t.chunkSize()
	chunk := make([]byte, size)
	var buf []byte

	for {
		if err := conn.SetReadDeadline(time.Now().Add(t.dialTimeout())); err != nil {
			return nil, err
		}
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if resp.FrameComplete(buf) {
			return buf, nil
		}
		if err != nil {
			// a timeout after some data means the peer is done talking
			var ne net.Error
			if len(buf) > 0 && (errors.Is(err, io.EOF) || (errors.As(err, &ne) && ne.Timeout())) {
				return buf, nil
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n == 0 || n >= size {
			continue
		}

		more, err := t.settle(conn, chunk)
		buf = append(buf, more...)
		if err != nil || len(more) == 0 || resp.FrameComplete(buf) {
			return buf, nil
		}
	}
}

// settle makes one short read after a short chunk.
func (t *Transport) settle(conn net.Conn, chunk []byte) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(t.settleWait())); err != nil {
		return nil, err
	}
	n, err := conn.Read(chunk)
	return chunk[:n], err
}

func (t *Transport) dialTimeout() time.Duration {
	if t.DialTimeout > 0 {
		return t.DialTimeout
	}
	return DefaultDialTimeout
}

func (t *Transport) settleWait() time.Duration {
	if t.SettleWait > 0 {
		return t.SettleWait
	}
	return DefaultSettleWait
}

func (t *Transport) charset() *Charset {
	if t.Charset != nil {
		return t.Charset
	}
	return DefaultCharset
}

func (t *Transport) chunkSize() int {
	if t.ChunkSize > 0 {
		return t.ChunkSize
	}
	return DefaultChunkSize
}

func classify(op, addr string, err error) *Error {
	kind := KindIO
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindRefused
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}
