// Package conversation keeps per-user conversation metadata on disk and
// message histories in the cluster, mirrored into a local cache.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"raftchat/internal/cache"
	"raftchat/internal/kv"
	"raftchat/internal/store"
)

const (
	DefaultMaxHistoryChars = 10000

	// keyPrefix namespaces history keys in the cluster and the cache.
	keyPrefix = "conversation:"

	// minKeptMessages survive truncation however long they are.
	minKeptMessages = 2

	// listSep separates messages in the measured history layout.
	listSep = ", "

	DefaultWriteAttempts = 3
	DefaultRetryDelay    = 500 * time.Millisecond
)

var (
	ErrNotFound = errors.New("conversation: not found")
	ErrNotSaved = errors.New("conversation: history saved nowhere")
)

type Role = string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// KV is the subset of *kv.Client used for histories.
type KV interface {
	Get(ctx context.Context, key string) (kv.Value, error)
	Set(ctx context.Context, key string, value any) error
}

type Options struct {
	MaxHistoryChars int
	// WriteAttempts bounds cluster writes per history save.
	WriteAttempts int
	RetryDelay    time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

type Manager struct {
	docs     *store.Collection[[]Conversation]
	kv       KV
	cache    cache.Cache
	maxChars int
	attempts int
	delay    time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// New keeps metadata under dir. c may be nil, in which case histories
// live only in the cluster.
func New(dir string, client KV, c cache.Cache, opts Options) (*Manager, error) {
	docs, err := store.NewCollection[[]Conversation](dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		docs:     docs,
		kv:       client,
		cache:    c,
		maxChars: opts.MaxHistoryChars,
		attempts: opts.WriteAttempts,
		delay:    opts.RetryDelay,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if m.maxChars <= 0 {
		m.maxChars = DefaultMaxHistoryChars
	}
	if m.attempts <= 0 {
		m.attempts = DefaultWriteAttempts
	}
	if m.delay <= 0 {
		m.delay = DefaultRetryDelay
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Manager) Create(user, title string) (Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	doc, err := m.docs.Doc(user)
	if err != nil {
		return Conversation{}, err
	}

	now := m.now()
	c := Conversation{Title: title, UserID: user, CreatedAt: now, UpdatedAt: now}
	err = doc.Update(func(list *[]Conversation) error {
		// ids are millisecond timestamps; step past any taken one
		at := now
		for {
			c.ID = newID(at)
			if indexOf(*list, c.ID) < 0 {
				break
			}
			at = at.Add(time.Millisecond)
		}
		*list = slices.Insert(*list, 0, c)
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	m.log.Info("conversation created", zap.String("user", user), zap.String("conversation", c.ID))
	return c, nil
}

// List returns the user's conversations, most recently updated first.
func (m *Manager) List(user string) ([]Conversation, error) {
	doc, err := m.docs.Doc(user)
	if err != nil {
		return nil, err
	}
	list, err := doc.Load()
	if err != nil {
		return nil, err
	}
	sortByUpdate(list)
	if list == nil {
		list = []Conversation{}
	}
	return list, nil
}

// Get returns ErrNotFound unless user owns the conversation.
func (m *Manager) Get(user, id string) (Conversation, error) {
	list, err := m.List(user)
	if err != nil {
		return Conversation{}, err
	}
	i := indexOf(list, id)
	if i < 0 {
		return Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return list[i], nil
}

// Update changes the non-nil fields and bumps UpdatedAt.
func (m *Manager) Update(user, id string, title *string, messageCount *int) (Conversation, error) {
	doc, err := m.docs.Doc(user)
	if err != nil {
		return Conversation{}, err
	}
	var out Conversation
	err = doc.Update(func(list *[]Conversation) error {
		i := indexOf(*list, id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		c := &(*list)[i]
		if title != nil && strings.TrimSpace(*title) != "" {
			c.Title = strings.TrimSpace(*title)
		}
		if messageCount != nil {
			c.MessageCount = *messageCount
		}
		c.UpdatedAt = m.now()
		out = *c
		sortByUpdate(*list)
		return nil
	})
	return out, err
}

// Delete removes the metadata and the cached history. The cluster copy
// is overwritten with an empty history on a best-effort basis.
func (m *Manager) Delete(ctx context.Context, user, id string) error {
	doc, err := m.docs.Doc(user)
	if err != nil {
		return err
	}
	err = doc.Update(func(list *[]Conversation) error {
		i := indexOf(*list, id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		*list = slices.Delete(*list, i, i+1)
		return nil
	})
	if err != nil {
		return err
	}

	if m.cache != nil {
		if err := m.cache.Delete(historyKey(id)); err != nil {
			m.log.Warn("drop cached history", zap.String("conversation", id), zap.Error(err))
		}
	}
	if err := m.kv.Set(ctx, historyKey(id), []Message{}); err != nil {
		m.log.Warn("clear cluster history", zap.String("conversation", id), zap.Error(err))
	}
	m.log.Info("conversation deleted", zap.String("user", user), zap.String("conversation", id))
	return nil
}

// History reads the messages from the cluster. When the cluster is down,
// has no copy or holds something that is not a message list, the cached
// copy is returned instead (empty if there is none).
func (m *Manager) History(ctx context.Context, id string) ([]Message, error) {
	key := historyKey(id)
	v, err := m.kv.Get(ctx, key)
	switch {
	case err == nil:
		var msgs []Message
		derr := v.Decode(&msgs)
		if derr == nil {
			if msgs == nil {
				msgs = []Message{}
			}
			m.putCache(key, msgs)
			return msgs, nil
		}
		m.log.Warn("undecodable history in cluster", zap.String("conversation", id), zap.Error(derr))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case errors.Is(err, kv.ErrNotFound):
	default:
		m.log.Warn("history read failed, using cache", zap.String("conversation", id), zap.Error(err))
	}
	return m.cached(key)
}

// SaveHistory truncates msgs to the size limit and writes them to the
// cache and then to the cluster. It fails only when both writes fail and
// returns the messages actually stored.
func (m *Manager) SaveHistory(ctx context.Context, id string, msgs []Message) ([]Message, error) {
	key := historyKey(id)
	kept := Truncate(msgs, m.maxChars)
	if len(kept) < len(msgs) {
		m.log.Info("history truncated", zap.String("conversation", id),
			zap.Int("dropped", len(msgs)-len(kept)), zap.Int("kept", len(kept)))
	}

	var cacheErr error
	if m.cache == nil {
		cacheErr = errors.New("no local cache")
	} else {
		cacheErr = m.writeCache(key, kept)
	}
	clusterErr := m.setWithRetry(ctx, id, key, kept)

	switch {
	case cacheErr != nil && clusterErr != nil:
		return nil, fmt.Errorf("%w: %w", ErrNotSaved, errors.Join(cacheErr, clusterErr))
	case cacheErr != nil:
		m.log.Warn("history cache write failed", zap.String("conversation", id), zap.Error(cacheErr))
	case clusterErr != nil:
		m.log.Warn("history cluster write failed", zap.String("conversation", id), zap.Error(clusterErr))
	}
	m.log.Debug("history saved", zap.String("conversation", id), zap.Int("messages", len(kept)),
		zap.Bool("cache", cacheErr == nil), zap.Bool("cluster", clusterErr == nil))
	return kept, nil
}

// setWithRetry writes to the cluster up to m.attempts times, pausing
// m.delay between tries. Context errors end it at once.
func (m *Manager) setWithRetry(ctx context.Context, id, key string, msgs []Message) error {
	var err error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if err = m.kv.Set(ctx, key, msgs); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == m.attempts {
			break
		}
		m.log.Debug("history cluster write failed, retrying", zap.String("conversation", id),
			zap.Int("attempt", attempt), zap.Error(err))
		t := time.NewTimer(m.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

func (m *Manager) ClearHistory(ctx context.Context, id string) error {
	_, err := m.SaveHistory(ctx, id, []Message{})
	return err
}

// Truncate drops the oldest messages until the JSON encoding of the rest
// is at most limit characters, keeping at least two messages. The size is
// that of the spaced layout `[{"role": "user", "content": "..."}, ...]`
// with non-ASCII text left unescaped, so existing limits keep their meaning.
func Truncate(msgs []Message, limit int) []Message {
	if msgs == nil {
		return []Message{}
	}
	if limit <= 0 {
		return msgs
	}
	sizes := make([]int, len(msgs))
	total := 2
	for i, msg := range msgs {
		sizes[i] = encodedLen(msg)
		total += sizes[i]
	}
	if len(msgs) > 1 {
		total += len(listSep) * (len(msgs) - 1)
	}

	start := 0
	for total > limit && len(msgs)-start > minKeptMessages {
		total -= sizes[start] + len(listSep)
		start++
	}
	return msgs[start:]
}

func encodedLen(msg Message) int {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return 0
	}
	// one space after each of the two colons and after the comma
	return utf8.RuneCount(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))) + 3
}


func (m *Manager) cached(key string) ([]Message, error) {
	if m.cache == nil {
		return []Message{}, nil
	}
	raw, ok, err := m.cache.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read cached history: %w", err)
	}
	msgs := []Message{}
	if !ok {
		return msgs, nil
	}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		m.log.Warn("corrupt cached history", zap.String("key", key), zap.Error(err))
		return []Message{}, nil
	}
	return msgs, nil
}

func (m *Manager) putCache(key string, msgs []Message) {
	if m.cache == nil {
		return
	}
	if err := m.writeCache(key, msgs); err != nil {
		m.log.Warn("refresh cached history", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) writeCache(key string, msgs []Message) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return m.cache.Put(key, raw)
}

func historyKey(id string) string { return keyPrefix + id }

func newID(t time.Time) string {
	return fmt.Sprintf("%s_%03d", t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond))
}

func indexOf(list []Conversation, id string) int {
	return slices.IndexFunc(list, func(c Conversation) bool { return c.ID == id })
}

func sortByUpdate(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}
