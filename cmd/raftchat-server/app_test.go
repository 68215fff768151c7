package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raftchat/internal/config"
	"raftchat/internal/testutil/respnode"
)

func TestAppWiring(t *testing.T) {
	node := respnode.Start(t, respnode.NewKV().Handler())

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Raft.Ports = []int{node.Port()}
	cfg.Raft.SettleWait = 20 * time.Millisecond
	cfg.Cache.Driver = "pebble"
	require.NoError(t, cfg.Validate())

	a, err := newApp(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(a.api.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, 1, node.Calls())

	families, err := a.reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["raftchat_kv_calls_total"])
	require.True(t, names["raftchat_kv_attempts_total"])
}

func TestAppClusterDown(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Raft.Ports = []int{respnode.Start(t, nil).Port()}
	cfg.Raft.Timeout = 200 * time.Millisecond

	a, err := newApp(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(a.api.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}
