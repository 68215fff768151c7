// Package cluster routes commands to the current leader of a fixed set of
// RESP nodes, following MOVED redirects, waiting out TRYAGAIN and failing
// over on transport errors.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"raftchat/internal/resp"
	"raftchat/internal/transport"
)

const DefaultTryAgainDelay = 200 * time.Millisecond

var (
	ErrExhausted   = errors.New("cluster: retries exhausted")
	ErrBadRedirect = errors.New("cluster: redirect to unknown node")
	ErrIncomplete  = errors.New("cluster: incomplete reply")
	ErrNoNodes     = errors.New("cluster: no nodes configured")

	errTryAgain = errors.New("cluster: node asked to try again")
)

// Node is one cluster member. ID is the 1-based id used in MOVED replies.
type Node struct {
	ID   int
	Host string
	Port int
}

// Addr returns host:port.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Sender delivers one encoded command to one address.
type Sender interface {
	Send(ctx context.Context, addr string, cmd []byte) (*transport.Response, error)
}

// Outcome labels a single attempt.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeRedirect   Outcome = "redirect"
	OutcomeTryAgain   Outcome = "tryagain"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeRefused    Outcome = "refused"
	OutcomeIO         Outcome = "io"
)

// Observer receives routing events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Attempt(node Node, outcome Outcome)
	Failover(from, to Node)
	Preferred(node Node)
	Exhausted()
}

type nopObserver struct{}

func (nopObserver) Attempt(Node, Outcome) {}
func (nopObserver) Failover(Node, Node)   {}
func (nopObserver) Preferred(Node)        {}
func (nopObserver) Exhausted()            {}

// Config configures a Router.
type Config struct {
	Nodes         []Node
	TryAgainDelay time.Duration
	// Text renders reply payloads; defaults to transport.DefaultCharset.
	Text     resp.TextFunc
	Logger   *zap.Logger
	Observer Observer
}

// Router is safe for concurrent use. Its only shared state is the
// preferred and last successful node index.
type Router struct {
	nodes  []Node
	sender Sender
	delay  time.Duration
	text   resp.TextFunc
	log    *zap.Logger
	obs    Observer

	preferred atomic.Int32
	lastGood  atomic.Int32
}

// NewRouter starts with the first node preferred.
func NewRouter(cfg Config, sender Sender) (*Router, error) {
	if len(cfg.Nodes) == 0 {
		return nil, ErrNoNodes
	}
	if sender == nil {
		sender = &transport.Transport{}
	}
	r := &Router{
		nodes:  append([]Node(nil), cfg.Nodes...),
		sender: sender,
		delay:  cfg.TryAgainDelay,
		text:   cfg.Text,
		log:    cfg.Logger,
		obs:    cfg.Observer,
	}
	if r.delay <= 0 {
		r.delay = DefaultTryAgainDelay
	}
	if r.text == nil {
		r.text = transport.DefaultCharset.Decode
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.obs == nil {
		r.obs = nopObserver{}
	}
	r.lastGood.Store(-1)
	return r, nil
}

// Nodes returns a copy of the member list.
func (r *Router) Nodes() []Node {
	return append([]Node(nil), r.nodes...)
}

// Preferred returns the node the next call starts with.
func (r *Router) Preferred() Node {
	return r.nodes[r.preferred.Load()]
}

// Execute sends cmd until a node answers with a final reply, making at most
// one attempt per configured node.
func (r *Router) Execute(ctx context.Context, cmd []byte) (resp.Reply, error) {
	n := len(r.nodes)
	current := int(r.preferred.Load())
	failed := make([]bool, n)
	var cause error

	for attempt := 0; attempt < n; attempt++ {
		if err := ctx.Err(); err != nil {
			return resp.Reply{}, err
		}
		node := r.nodes[current]

		res, err := r.sender.Send(ctx, node.Addr(), cmd)
		if err != nil {
			if ctx.Err() != nil {
				return resp.Reply{}, ctx.Err()
			}
			r.obs.Attempt(node, outcomeOf(err))
			r.log.Debug("attempt failed",
				zap.Int("node", node.ID), zap.Int("attempt", attempt+1), zap.Error(err))
			cause = err
			current = r.failover(current, failed)
			continue
		}

		reply := resp.DecodeWith(res.Raw, r.text)
		switch reply.Kind {
		case resp.Redirect:
			r.obs.Attempt(node, OutcomeRedirect)
			if reply.Target < 1 || reply.Target > n {
				r.obs.Exhausted()
				return resp.Reply{}, fmt.Errorf("%w: %w: node %d sent %q",
					ErrExhausted, ErrBadRedirect, node.ID, reply.Text)
			}
			next := reply.Target - 1
			r.log.Debug("redirected",
				zap.Int("from", node.ID), zap.Int("to", r.nodes[next].ID))
			current = next
			r.setPreferred(current)

		case resp.TryAgain:
			r.obs.Attempt(node, OutcomeTryAgain)
			r.log.Debug("try again", zap.Int("node", node.ID), zap.Duration("delay", r.delay))
			cause = errTryAgain
			if err := sleep(ctx, r.delay); err != nil {
				return resp.Reply{}, err
			}

		case resp.Incomplete:
			r.obs.Attempt(node, OutcomeIncomplete)
			r.log.Debug("incomplete reply",
				zap.Int("node", node.ID), zap.Int("bytes", len(res.Raw)))
			cause = fmt.Errorf("%w from node %d", ErrIncomplete, node.ID)
			current = r.failover(current, failed)

		default:
			r.obs.Attempt(node, OutcomeOK)
			r.lastGood.Store(int32(current))
			r.setPreferred(current)
			return reply, nil
		}
	}

	r.obs.Exhausted()
	r.log.Debug("retries exhausted", zap.Int("attempts", n), zap.Error(cause))
	return resp.Reply{}, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, n, cause)
}

// failover marks current as failed for this call and picks the next node:
// the last node that answered if it has not failed yet, otherwise the next
// unfailed node in ring order.
func (r *Router) failover(current int, failed []bool) int {
	n := len(r.nodes)
	failed[current] = true

	next := -1
	if good := int(r.lastGood.Load()); good >= 0 && !failed[good] {
		next = good
	} else {
		for i := 1; i < n; i++ {
			if c := (current + i) % n; !failed[c] {
				next = c
				break
			}
		}
	}
	if next < 0 {
		next = (current + 1) % n
	}

	r.obs.Failover(r.nodes[current], r.nodes[next])
	r.log.Debug("failover",
		zap.Int("from", r.nodes[current].ID), zap.Int("to", r.nodes[next].ID))
	r.setPreferred(next)
	return next
}

func (r *Router) setPreferred(i int) {
	r.preferred.Store(int32(i))
	r.obs.Preferred(r.nodes[i])
}

func outcomeOf(err error) Outcome {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, transport.ErrRefused):
		return OutcomeRefused
	default:
		return OutcomeIO
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
