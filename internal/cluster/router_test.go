package cluster

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftchat/internal/resp"
	"raftchat/internal/testutil/respnode"
	"raftchat/internal/transport"
)

func nodesFor(t *testing.T, handlers ...respnode.Handler) ([]*respnode.Node, []Node) {
	t.Helper()
	var (
		fakes []*respnode.Node
		nodes []Node
	)
	for i, h := range handlers {
		f := respnode.Start(t, h)
		fakes = append(fakes, f)
		nodes = append(nodes, Node{ID: i + 1, Host: "127.0.0.1", Port: f.Port()})
	}
	return fakes, nodes
}

func newTestRouter(t *testing.T, nodes []Node, sender Sender, obs Observer) *Router {
	t.Helper()
	r, err := NewRouter(Config{
		Nodes:         nodes,
		TryAgainDelay: 5 * time.Millisecond,
		Observer:      obs,
	}, sender)
	require.NoError(t, err)
	return r
}

func TestNewRouterRequiresNodes(t *testing.T) {
	_, err := NewRouter(Config{}, nil)
	require.ErrorIs(t, err, ErrNoNodes)
}

func TestExecuteFollowsMoved(t *testing.T) {
	fakes, nodes := nodesFor(t,
		respnode.Moved(2),
		respnode.Reply("+OK\r\n"),
		respnode.Reply("+OK\r\n"),
	)
	r := newTestRouter(t, nodes, &transport.Transport{}, nil)

	reply, err := r.Execute(context.Background(), resp.Encode("SET", "k", "v"))
	require.NoError(t, err)
	require.Equal(t, resp.Status, reply.Kind)
	require.Equal(t, "OK", reply.Text)
	require.Equal(t, 1, fakes[0].Calls())
	require.Equal(t, 1, fakes[1].Calls())
	require.Equal(t, 0, fakes[2].Calls())
	require.Equal(t, 2, r.Preferred().ID)

	// the leader is remembered for the next call
	_, err = r.Execute(context.Background(), resp.Encode("GET", "k"))
	require.NoError(t, err)
	require.Equal(t, 1, fakes[0].Calls())
	require.Equal(t, 2, fakes[1].Calls())
}

func TestExecuteAllRefused(t *testing.T) {
	nodes := []Node{}
	for i := 1; i <= 3; i++ {
		host, port := splitAddr(t, respnode.ClosedAddr(t))
		nodes = append(nodes, Node{ID: i, Host: host, Port: port})
	}
	obs := &recordingObserver{}
	r := newTestRouter(t, nodes, &transport.Transport{DialTimeout: time.Second}, obs)

	_, err := r.Execute(context.Background(), resp.Encode("GET", "k"))
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, transport.ErrRefused)
	require.Equal(t, 1, obs.exhausted)
	require.Len(t, obs.attempts, 3)
}

func TestExecuteTryAgainThenSuccess(t *testing.T) {
	fakes, nodes := nodesFor(t,
		respnode.Sequence("+TRYAGAIN\r\n", "+TRYAGAIN\r\n", "+OK\r\n"),
		respnode.Reply("+OK\r\n"),
		respnode.Reply("+OK\r\n"),
	)
	r := newTestRouter(t, nodes, &transport.Transport{}, nil)

	reply, err := r.Execute(context.Background(), resp.Encode("SET", "k", "v"))
	require.NoError(t, err)
	require.Equal(t, "OK", reply.Text)
	require.Equal(t, 3, fakes[0].Calls())
	require.Equal(t, 0, fakes[1].Calls())
}

func TestExecuteTryAgainForever(t *testing.T) {
	_, nodes := nodesFor(t, respnode.Reply("+TRYAGAIN\r\n"), respnode.Reply("+TRYAGAIN\r\n"))
	r := newTestRouter(t, nodes, &transport.Transport{}, nil)

	_, err := r.Execute(context.Background(), resp.Encode("GET", "k"))
	require.ErrorIs(t, err, ErrExhausted)
}

func TestExecuteRejectsOutOfRangeRedirect(t *testing.T) {
	for _, id := range []int{0, 4, 99} {
		t.Run(strconv.Itoa(id), func(t *testing.T) {
			fakes, nodes := nodesFor(t,
				respnode.Moved(id),
				respnode.Reply("+OK\r\n"),
				respnode.Reply("+OK\r\n"),
			)
			r := newTestRouter(t, nodes, &transport.Transport{}, nil)

			_, err := r.Execute(context.Background(), resp.Encode("GET", "k"))
			require.ErrorIs(t, err, ErrExhausted)
			require.ErrorIs(t, err, ErrBadRedirect)
			require.Equal(t, 0, fakes[1].Calls()+fakes[2].Calls())
		})
	}
}

func TestExecuteIncompleteFailsOver(t *testing.T) {
	fakes, nodes := nodesFor(t,
		respnode.Reply("$10\r\nabc"),
		respnode.Reply("$3\r\nabc\r\n"),
	)
	r := newTestRouter(t, nodes, &transport.Transport{SettleWait: 10 * time.Millisecond}, nil)

	reply, err := r.Execute(context.Background(), resp.Encode("GET", "k"))
	require.NoError(t, err)
	require.Equal(t, "abc", reply.Text)
	require.Equal(t, 1, fakes[0].Calls())
	require.Equal(t, 2, r.Preferred().ID)
}

func TestFailoverPrefersLastGoodNode(t *testing.T) {
	s := &scriptedSender{replies: map[string][]scripted{
		"a:1": {{raw: "+MOVED 2\r\n"}},
		"b:2": {{raw: "+OK\r\n"}, {raw: "+MOVED 3\r\n"}, {raw: "+OK\r\n"}},
		"c:3": {{err: &transport.Error{Kind: transport.KindRefused, Addr: "c:3", Err: errors.New("refused")}}},
	}}
	nodes := []Node{{ID: 1, Host: "a", Port: 1}, {ID: 2, Host: "b", Port: 2}, {ID: 3, Host: "c", Port: 3}}
	r := newTestRouter(t, nodes, s, nil)

	_, err := r.Execute(context.Background(), resp.Encode("GET", "k"))
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), resp.Encode("GET", "k"))
	require.NoError(t, err)

	require.Equal(t, []string{"a:1", "b:2", "b:2", "c:3", "b:2"}, s.calls)
}

func TestFailoverWalksRingWithoutLastGood(t *testing.T) {
	timedOut := scripted{err: &transport.Error{Kind: transport.KindTimeout, Err: errors.New("timeout")}}
	s := &scriptedSender{replies: map[string][]scripted{
		"a:1": {timedOut},
		"b:2": {timedOut},
		"c:3": {{raw: "+OK\r\n"}},
	}}
	nodes := []Node{{ID: 1, Host: "a", Port: 1}, {ID: 2, Host: "b", Port: 2}, {ID: 3, Host: "c", Port: 3}}
	obs := &recordingObserver{}
	r := newTestRouter(t, nodes, s, obs)

	_, err := r.Execute(context.Background(), resp.Encode("GET", "k"))
	require.NoError(t, err)
	require.Equal(t, []string{"a:1", "b:2", "c:3"}, s.calls)
	assert.Equal(t, []Outcome{OutcomeTimeout, OutcomeTimeout, OutcomeOK}, obs.outcomes())
	assert.Equal(t, 2, obs.failovers)
}

func TestExecuteCancelledDuringTryAgain(t *testing.T) {
	_, nodes := nodesFor(t, respnode.Reply("+TRYAGAIN\r\n"))
	r, err := NewRouter(Config{Nodes: nodes, TryAgainDelay: time.Minute}, &transport.Transport{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Execute(ctx, resp.Encode("GET", "k"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteConcurrentCalls(t *testing.T) {
	kv := respnode.NewKV()
	_, nodes := nodesFor(t, respnode.Moved(2), kv.Handler())
	r := newTestRouter(t, nodes, &transport.Transport{}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := r.Execute(context.Background(), resp.Encode("SET", "b"+strconv.Itoa(i), "x"))
			errs <- err
		}(i)
		go func() {
			defer wg.Done()
			_, err := r.Execute(context.Background(), resp.Encode("GET", "a"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	v, ok := kv.Get("b7")
	require.True(t, ok)
	require.Equal(t, "x", v)
}

type scripted struct {
	raw string
	err error
}

type scriptedSender struct {
	mu      sync.Mutex
	calls   []string
	replies map[string][]scripted
}

func (s *scriptedSender) Send(_ context.Context, addr string, _ []byte) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, addr)
	queue := s.replies[addr]
	next := queue[0]
	if len(queue) > 1 {
		s.replies[addr] = queue[1:]
	}
	if next.err != nil {
		return nil, next.err
	}
	return &transport.Response{Raw: []byte(next.raw), Text: next.raw}, nil
}

type recordingObserver struct {
	mu        sync.Mutex
	attempts  []Outcome
	failovers int
	exhausted int
}

func (o *recordingObserver) Attempt(_ Node, out Outcome) {
	o.mu.Lock()
	o.attempts = append(o.attempts, out)
	o.mu.Unlock()
}

func (o *recordingObserver) Failover(Node, Node) {
	o.mu.Lock()
	o.failovers++
	o.mu.Unlock()
}

func (o *recordingObserver) Preferred(Node) {}

func (o *recordingObserver) Exhausted() {
	o.mu.Lock()
	o.exhausted++
	o.mu.Unlock()
}

func (o *recordingObserver) outcomes() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.attempts...)
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
