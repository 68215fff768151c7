// Package kv is the get/set facade over the cluster router.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"raftchat/internal/resp"
)

const (
	// AckMarker must appear in the status reply of an accepted SET.
	AckMarker = "OK"
	// HealthKey is read by Ping. It is never written.
	HealthKey = "__raftchat_health__"
)

var (
	ErrNotFound        = errors.New("kv: key not found")
	ErrUnavailable     = errors.New("kv: cluster unavailable")
	ErrNotAcknowledged = errors.New("kv: write not acknowledged")
	ErrEmptyKey        = errors.New("kv: empty key")
)

// ServerError carries an error reply from the leader.
type ServerError struct {
	Op      string
	Key     string
	Message string
	// Err is ErrUnavailable for reads and ErrNotAcknowledged for writes.
	Err error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("kv: %s %q: server error: %s", e.Op, e.Key, e.Message)
}

func (e *ServerError) Unwrap() error { return e.Err }

// Value is a decoded GET result. Data holds the parsed JSON when the stored
// value was a JSON object or array.
type Value struct {
	Text string
	Data any
}

// Structured reports whether the value parsed as JSON.
func (v Value) Structured() bool { return v.Data != nil }

// Decode unmarshals the JSON text into dst.
func (v Value) Decode(dst any) error {
	if err := json.Unmarshal([]byte(v.Text), dst); err != nil {
		return fmt.Errorf("kv: decode value: %w", err)
	}
	return nil
}

// Executor runs one encoded command against the cluster.
type Executor interface {
	Execute(ctx context.Context, cmd []byte) (resp.Reply, error)
}

// CallObserver is told about every finished facade call.
type CallObserver interface {
	ObserveCall(op string, d time.Duration, err error)
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithCallObserver(o CallObserver) Option {
	return func(c *Client) { c.calls = o }
}

// Client is safe for concurrent use.
type Client struct {
	exec   Executor
	log    *zap.Logger
	calls  CallObserver
	tracer trace.Tracer
}

// New wraps exec, usually a *cluster.Router.
func New(exec Executor, opts ...Option) *Client {
	c := &Client{
		exec:   exec,
		log:    zap.NewNop(),
		tracer: otel.Tracer("raftchat/kv"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns ErrNotFound for a missing key and ErrUnavailable when no
// node produced a usable reply.
func (c *Client) Get(ctx context.Context, key string) (v Value, err error) {
	if key == "" {
		return Value{}, ErrEmptyKey
	}
	ctx, span := c.tracer.Start(ctx, "kv.Get", trace.WithAttributes(attribute.String("kv.key", key)))
	defer c.finish(span, "get", time.Now(), &err)

	reply, err := c.exec.Execute(ctx, resp.Encode("GET", key))
	if err != nil {
		return Value{}, c.unavailable("get", key, err)
	}

	switch reply.Kind {
	case resp.Null:
		return Value{}, ErrNotFound
	case resp.Error:
		return Value{}, &ServerError{Op: "get", Key: key, Message: reply.Text, Err: ErrUnavailable}
	case resp.Bulk, resp.Status:
		if reply.Unframed {
			c.log.Warn("unframed reply", zap.String("key", key), zap.String("reply", reply.String()))
		}
		return Value{Text: reply.Text, Data: reply.Data}, nil
	default:
		return Value{}, fmt.Errorf("%w: get %q: unexpected %s reply", ErrUnavailable, key, reply.Kind)
	}
}

// Set stores value under key. Structured values are stored as JSON.
func (c *Client) Set(ctx context.Context, key string, value any) (err error) {
	if key == "" {
		return ErrEmptyKey
	}
	payload, err := resp.EncodeValue(value)
	if err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}

	ctx, span := c.tracer.Start(ctx, "kv.Set", trace.WithAttributes(
		attribute.String("kv.key", key),
		attribute.Int("kv.value_bytes", len(payload)),
	))
	defer c.finish(span, "set", time.Now(), &err)

	reply, err := c.exec.Execute(ctx, resp.Encode("SET", key, payload))
	if err != nil {
		return c.unavailable("set", key, err)
	}

	switch {
	case reply.Kind == resp.Status && strings.Contains(reply.Text, AckMarker):
		return nil
	case reply.Kind == resp.Error:
		return &ServerError{Op: "set", Key: key, Message: reply.Text, Err: ErrNotAcknowledged}
	default:
		return fmt.Errorf("%w: set %q: got %s", ErrNotAcknowledged, key, reply)
	}
}

// Ping reads HealthKey; a missing key still proves a leader answered.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Get(ctx, HealthKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) unavailable(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s %q: %w", ErrUnavailable, op, key, err)
}

func (c *Client) finish(span trace.Span, op string, start time.Time, errp *error) {
	err := *errp
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if c.calls != nil {
		c.calls.ObserveCall(op, time.Since(start), err)
	}
}
