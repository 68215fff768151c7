package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"

	"raftchat/internal/resp"
	"raftchat/internal/testutil/respnode"
)

// rawServer accepts one connection, drains the command and runs script.
func rawServer(t *testing.T, script func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		_, _ = conn.Read(buf)
		script(conn)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
	})
	return ln.Addr().String()
}

func TestSendReceivesWholeReply(t *testing.T) {
	node := respnode.Start(t, respnode.Reply("+OK\r\n"))
	tr := &Transport{}

	res, err := tr.Send(context.Background(), node.Addr(), resp.Encode("SET", "k", "v"))
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", string(res.Raw))
	require.Equal(t, "+OK\r\n", res.Text)
	require.Equal(t, [][]string{{"SET", "k", "v"}}, node.Commands())
}

func TestSendJoinsSplitReply(t *testing.T) {
	addr := rawServer(t, func(c net.Conn) {
		_, _ = c.Write([]byte("$11\r\nhello"))
		time.Sleep(20 * time.Millisecond)
		_, _ = c.Write([]byte(" world\r\n"))
	})
	tr := &Transport{SettleWait: 500 * time.Millisecond}

	res, err := tr.Send(context.Background(), addr, resp.Encode("GET", "k"))
	require.NoError(t, err)
	require.Equal(t, "$11\r\nhello world\r\n", string(res.Raw))
}

func TestSendStopsAfterQuietSettleWindow(t *testing.T) {
	hold := make(chan struct{})
	addr := rawServer(t, func(c net.Conn) {
		_, _ = c.Write([]byte("$11\r\nhello"))
		<-hold
	})
	defer close(hold)
	tr := &Transport{SettleWait: 30 * time.Millisecond}

	start := time.Now()
	res, err := tr.Send(context.Background(), addr, resp.Encode("GET", "k"))
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, "$11\r\nhello", string(res.Raw))
	require.Equal(t, resp.Incomplete, resp.Decode(res.Raw).Kind)
}

func TestSendKeepsBufferedReplyOnReadTimeout(t *testing.T) {
	hold := make(chan struct{})
	addr := rawServer(t, func(c net.Conn) {
		_, _ = c.Write([]byte(`{"a":`))
		time.Sleep(10 * time.Millisecond)
		_, _ = c.Write([]byte(`1}`))
		<-hold
	})
	defer close(hold)
	tr := &Transport{DialTimeout: 300 * time.Millisecond, SettleWait: 100 * time.Millisecond}

	res, err := tr.Send(context.Background(), addr, resp.Encode("GET", "k"))
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, res.Text)
	r := resp.Decode(res.Raw)
	require.Equal(t, resp.Bulk, r.Kind)
	require.True(t, r.Unframed)
}

func TestSendKeepsPartialReplyOnClose(t *testing.T) {
	addr := rawServer(t, func(c net.Conn) {
		_, _ = c.Write([]byte("+OK"))
	})
	res, err := (&Transport{}).Send(context.Background(), addr, resp.Encode("PING"))
	require.NoError(t, err)
	require.Equal(t, "+OK", string(res.Raw))
}

func TestSendEmptyCloseIsIOError(t *testing.T) {
	addr := rawServer(t, func(net.Conn) {})
	_, err := (&Transport{}).Send(context.Background(), addr, resp.Encode("PING"))

	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, KindIO, terr.Kind)
	require.Equal(t, addr, terr.Addr)
}

func TestSendRefused(t *testing.T) {
	addr := respnode.ClosedAddr(t)
	_, err := (&Transport{}).Send(context.Background(), addr, resp.Encode("PING"))

	require.ErrorIs(t, err, ErrRefused)
	require.NotErrorIs(t, err, ErrTimeout)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "dial", terr.Op)
}

func TestSendTimeout(t *testing.T) {
	hold := make(chan struct{})
	addr := rawServer(t, func(net.Conn) { <-hold })
	defer close(hold)

	tr := &Transport{DialTimeout: 50 * time.Millisecond}
	_, err := tr.Send(context.Background(), addr, resp.Encode("GET", "k"))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSendHonoursCancellation(t *testing.T) {
	hold := make(chan struct{})
	addr := rawServer(t, func(net.Conn) { <-hold })
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := (&Transport{DialTimeout: 5 * time.Second}).Send(ctx, addr, resp.Encode("GET", "k"))
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestSendDecodesGBK(t *testing.T) {
	payload, err := simplifiedchinese.GBK.NewEncoder().String("你好")
	require.NoError(t, err)
	node := respnode.Start(t, func([]string) []byte {
		return resp.AppendBulk(nil, payload)
	})

	res, err := (&Transport{}).Send(context.Background(), node.Addr(), resp.Encode("GET", "k"))
	require.NoError(t, err)
	require.Contains(t, res.Text, "你好")
}
