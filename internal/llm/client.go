// Package llm calls OpenAI-compatible chat completion endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"raftchat/internal/backend"
	"raftchat/internal/conversation"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 512

var ErrEmptyReply = errors.New("llm: reply has no choices")

// APIError is a non-200 answer from the endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("llm: http %d", e.Status)
	}
	return fmt.Sprintf("llm: http %d: %s", e.Status, e.Message)
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []conversation.Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message conversation.Message `json:"message"`
	} `json:"choices"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type Client struct {
	http   *http.Client
	log    *zap.Logger
	tracer trace.Tracer
}

// New uses hc, or a client without its own timeout when hc is nil; the
// caller's context bounds each call.
func New(hc *http.Client, log *zap.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{http: hc, log: log, tracer: otel.Tracer("raftchat/llm")}
}

// Chat sends the history to b and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, b backend.Backend, msgs []conversation.Message) (reply string, err error) {
	ctx, span := c.tracer.Start(ctx, "llm.Chat", trace.WithAttributes(
		attribute.String("llm.model", b.Model),
		attribute.Int("llm.messages", len(msgs)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := json.Marshal(chatRequest{Model: b.Model, Messages: msgs})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(b.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		apiErr := &APIError{Status: res.StatusCode, Message: strings.TrimSpace(string(raw))}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
			apiErr.Message = eb.Error.Message
		}
		c.log.Warn("chat completion failed", zap.String("url", url), zap.Int("status", res.StatusCode),
			zap.String("message", apiErr.Message))
		return "", apiErr
	}

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: decode reply: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyReply
	}
	c.log.Debug("chat completion", zap.String("model", b.Model), zap.Duration("took", time.Since(start)))
	return out.Choices[0].Message.Content, nil
}
