// Package respnode runs scripted RESP endpoints on loopback for tests.
package respnode

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"raftchat/internal/resp"
)

// Handler returns the raw reply for one command. A nil reply closes the
// connection without answering.
type Handler func(args []string) []byte

// Node is a loopback TCP listener answering RESP commands through a Handler.
type Node struct {
	ln net.Listener

	mu       sync.Mutex
	handler  Handler
	commands [][]string

	wg sync.WaitGroup
}

// Start listens on 127.0.0.1:0 and serves until the test ends.
func Start(t testing.TB, h Handler) *Node {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	n := &Node{ln: ln, handler: h}
	n.wg.Add(1)
	go n.acceptLoop()
	t.Cleanup(n.Close)
	return n
}

// ClosedAddr returns a loopback address nobody listens on.
func ClosedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// Addr returns host:port.
func (n *Node) Addr() string { return n.ln.Addr().String() }

// Port returns the listening port.
func (n *Node) Port() int { return n.ln.Addr().(*net.TCPAddr).Port }

// SetHandler swaps the reply script.
func (n *Node) SetHandler(h Handler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

// Commands returns every command received so far.
func (n *Node) Commands() [][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]string, len(n.commands))
	copy(out, n.commands)
	return out
}

// Calls returns the number of commands received.
func (n *Node) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.commands)
}

// Close stops the listener and waits for open connections.
func (n *Node) Close() {
	_ = n.ln.Close()
	n.wg.Wait()
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			return
		}
		n.wg.Add(1)
		go n.serve(conn)
	}
}

func (n *Node) serve(conn net.Conn) {
	defer n.wg.Done()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	var buf []byte
	chunk := make([]byte, 4096)
	for !resp.FrameComplete(buf) {
		m, err := conn.Read(chunk)
		buf = append(buf, chunk[:m]...)
		if err != nil {
			return
		}
	}
	args := resp.Decode(buf).Elems

	n.mu.Lock()
	n.commands = append(n.commands, args)
	h := n.handler
	n.mu.Unlock()

	if h == nil {
		return
	}
	if reply := h(args); reply != nil {
		_, _ = conn.Write(reply)
	}
}

// Reply always answers with raw.
func Reply(raw string) Handler {
	return func([]string) []byte { return []byte(raw) }
}

// Sequence answers with replies in order and repeats the last one.
func Sequence(replies ...string) Handler {
	var (
		mu sync.Mutex
		i  int
	)
	return func([]string) []byte {
		mu.Lock()
		defer mu.Unlock()
		r := replies[min(i, len(replies)-1)]
		i++
		return []byte(r)
	}
}

// KV is an in-memory leader answering GET and SET the way the cluster does:
// "+OK" for SET, a one-element "nil" array for missing keys, JSON values
// as bulk strings and other values split on whitespace into an array.
type KV struct {
	mu   sync.Mutex
	data map[string]string
}

// NewKV returns an empty store.
func NewKV() *KV {
	return &KV{data: make(map[string]string)}
}

// Get returns the stored raw value.
func (s *KV) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Handler serves the store.
func (s *KV) Handler() Handler {
	return func(args []string) []byte {
		if len(args) == 0 {
			return []byte("-Protocol error\r\n")
		}
		switch strings.ToUpper(args[0]) {
		case "SET":
			if len(args) < 3 {
				return []byte("-Wrong number of arguments for SET command\r\n")
			}
			s.mu.Lock()
			s.data[args[1]] = args[2]
			s.mu.Unlock()
			return []byte("+OK\r\n")
		case "GET":
			if len(args) < 2 {
				return []byte("-Wrong number of arguments for GET command\r\n")
			}
			v, ok := s.Get(args[1])
			if !ok || v == "" {
				return []byte("*1\r\n$3\r\nnil\r\n")
			}
			if json.Valid([]byte(v)) && (v[0] == '{' || v[0] == '[') {
				return resp.AppendBulk(nil, v)
			}
			return resp.AppendCommand(nil, strings.Fields(v)...)
		default:
			return []byte("-Unknown command: " + args[0] + "\r\n")
		}
	}
}

// Moved redirects every command to the 1-based node id.
func Moved(id int) Handler {
	return Reply("+MOVED " + strconv.Itoa(id) + "\r\n")
}
