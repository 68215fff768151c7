package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftchat/internal/cache"
	"raftchat/internal/cluster"
	"raftchat/internal/kv"
	"raftchat/internal/testutil/respnode"
	"raftchat/internal/transport"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
	down bool
	// failSets rejects that many writes before accepting again
	failSets int
	sets     int
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string]string{}} }

func (f *fakeKV) Get(_ context.Context, key string) (kv.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return kv.Value{}, fmt.Errorf("%w: get %q", kv.ErrUnavailable, key)
	}
	v, ok := f.data[key]
	if !ok {
		return kv.Value{}, kv.ErrNotFound
	}
	return kv.Value{Text: v}, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.down {
		return fmt.Errorf("%w: set %q", kv.ErrUnavailable, key)
	}
	if f.failSets > 0 {
		f.failSets--
		return fmt.Errorf("%w: set %q", kv.ErrNotAcknowledged, key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = string(raw)
	return nil
}

func (f *fakeKV) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newManager(t *testing.T, client KV, opts Options) *Manager {
	t.Helper()
	c, err := cache.Open("bolt", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = (&clock{now: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)}).Now
	}
	m, err := New(t.TempDir(), client, c, opts)
	require.NoError(t, err)
	return m
}

func TestMetadataLifecycle(t *testing.T) {
	m := newManager(t, newFakeKV(), Options{})

	first, err := m.Create("u1", "  first  ")
	require.NoError(t, err)
	assert.Equal(t, "first", first.Title)
	assert.Regexp(t, `^\d{8}_\d{6}_\d{3}$`, first.ID)
	second, err := m.Create("u1", "")
	require.NoError(t, err)
	assert.Equal(t, "New conversation", second.Title)

	list, err := m.List("u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	count := 4
	updated, err := m.Update("u1", first.ID, nil, &count)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.MessageCount)
	assert.True(t, updated.UpdatedAt.After(second.UpdatedAt))

	list, err = m.List("u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, list[0].ID)

	_, err = m.Get("u2", first.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Update("u1", "missing", nil, nil)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Delete(context.Background(), "u1", first.ID))
	require.ErrorIs(t, m.Delete(context.Background(), "u1", first.ID), ErrNotFound)
	list, err = m.List("u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCreateAvoidsIDCollision(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 123_000_000, time.UTC)
	m := newManager(t, newFakeKV(), Options{Now: func() time.Time { return at }})

	a, err := m.Create("u1", "a")
	require.NoError(t, err)
	b, err := m.Create("u1", "b")
	require.NoError(t, err)
	assert.Equal(t, "20240501_093000_123", a.ID)
	assert.Equal(t, "20240501_093000_124", b.ID)
}

func TestHistoryRoundTrip(t *testing.T) {
	store := newFakeKV()
	m := newManager(t, store, Options{})
	ctx := context.Background()

	msgs, err := m.History(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.NotNil(t, msgs)

	in := []Message{{Role: RoleUser, Content: "你好"}, {Role: RoleAssistant, Content: "hello"}}
	saved, err := m.SaveHistory(ctx, "c1", in)
	require.NoError(t, err)
	require.Equal(t, in, saved)
	require.Contains(t, store.data, "conversation:c1")

	got, err := m.History(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, in, got)

	require.NoError(t, m.ClearHistory(ctx, "c1"))
	got, err = m.History(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestHistoryFallsBackToCache(t *testing.T) {
	store := newFakeKV()
	m := newManager(t, store, Options{})
	ctx := context.Background()

	in := []Message{{Role: RoleUser, Content: "q"}, {Role: RoleAssistant, Content: "a"}}
	_, err := m.SaveHistory(ctx, "c1", in)
	require.NoError(t, err)

	store.setDown(true)
	got, err := m.History(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, in, got)

	// writes still land in the cache while the cluster is down
	more := append(got, Message{Role: RoleUser, Content: "again"})
	_, err = m.SaveHistory(ctx, "c1", more)
	require.NoError(t, err)
	got, err = m.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	// a leader without the key still yields the cached copy
	store.setDown(false)
	delete(store.data, "conversation:c1")
	got, err = m.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	store.data["conversation:c1"] = "not json"
	got, err = m.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestSaveFailsOnlyWhenBothStoresFail(t *testing.T) {
	store := newFakeKV()
	store.setDown(true)
	m, err := New(t.TempDir(), store, nil, Options{})
	require.NoError(t, err)

	_, err = m.SaveHistory(context.Background(), "c1", []Message{{Role: RoleUser, Content: "x"}})
	require.ErrorIs(t, err, ErrNotSaved)
	require.ErrorIs(t, err, kv.ErrUnavailable)

	store.setDown(false)
	_, err = m.SaveHistory(context.Background(), "c1", []Message{{Role: RoleUser, Content: "x"}})
	require.NoError(t, err)
}

func TestSaveTruncatesOldestMessages(t *testing.T) {
	store := newFakeKV()
	m := newManager(t, store, Options{MaxHistoryChars: 120})

	var in []Message
	for i := 0; i < 10; i++ {
		in = append(in, Message{Role: RoleUser, Content: fmt.Sprintf("message number %d", i)})
	}
	saved, err := m.SaveHistory(context.Background(), "c1", in)
	require.NoError(t, err)
	require.Less(t, len(saved), len(in))
	require.Equal(t, in[len(in)-1], saved[len(saved)-1])

	raw, err := json.Marshal(saved)
	require.NoError(t, err)
	require.LessOrEqual(t, len(raw), 120)
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("字", 50)
	msgs := []Message{
		{Role: RoleUser, Content: long},
		{Role: RoleAssistant, Content: long},
		{Role: RoleUser, Content: long},
	}

	require.Equal(t, msgs[1:], Truncate(msgs, 150))
	// never below two messages
	require.Equal(t, msgs[1:], Truncate(msgs, 10))
	require.Equal(t, msgs, Truncate(msgs, 10_000))
	require.Equal(t, []Message{}, Truncate(nil, 100))

	// the size is measured in characters of the spaced layout, not bytes
	one := []Message{{Role: RoleUser, Content: long}, {Role: RoleUser, Content: "x"}, {Role: RoleUser, Content: "y"}}
	spaced := `[{"role": "user", "content": "` + long + `"}, {"role": "user", "content": "x"}, {"role": "user", "content": "y"}]`
	size := utf8.RuneCountInString(spaced)
	require.Len(t, Truncate(one, size), 3)
	require.Len(t, Truncate(one, size-1), 2)
}

func TestSaveRetriesClusterWrite(t *testing.T) {
	store := newFakeKV()
	store.failSets = 2
	m := newManager(t, store, Options{})
	in := []Message{{Role: RoleUser, Content: "hi"}}

	_, err := m.SaveHistory(context.Background(), "c1", in)
	require.NoError(t, err)
	require.Equal(t, 3, store.sets)
	require.JSONEq(t, `[{"role":"user","content":"hi"}]`, store.data["conversation:c1"])

	// attempts are bounded; the cache copy still makes the save succeed
	store.failSets = 5
	store.sets = 0
	_, err = m.SaveHistory(context.Background(), "c2", in)
	require.NoError(t, err)
	require.Equal(t, DefaultWriteAttempts, store.sets)
	_, ok := store.data["conversation:c2"]
	require.False(t, ok)
}

func TestHistoryOverRealClusterWithOutage(t *testing.T) {
	kvNode := respnode.NewKV()
	node := respnode.Start(t, kvNode.Handler())
	r, err := cluster.NewRouter(cluster.Config{
		Nodes: []cluster.Node{{ID: 1, Host: "127.0.0.1", Port: node.Port()}},
	}, &transport.Transport{DialTimeout: time.Second, SettleWait: 20 * time.Millisecond})
	require.NoError(t, err)
	m := newManager(t, kv.New(r), Options{})
	ctx := context.Background()

	in := []Message{{Role: RoleUser, Content: "hello there"}, {Role: RoleAssistant, Content: "hi"}}
	_, err = m.SaveHistory(ctx, "c9", in)
	require.NoError(t, err)
	stored, ok := kvNode.Get("conversation:c9")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(stored, "["))

	got, err := m.History(ctx, "c9")
	require.NoError(t, err)
	require.Equal(t, in, got)

	node.SetHandler(func([]string) []byte { return nil })
	got, err = m.History(ctx, "c9")
	require.NoError(t, err)
	require.Equal(t, in, got)
}
