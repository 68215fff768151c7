package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"raftchat/internal/cluster"
	"raftchat/internal/config"
	"raftchat/internal/kv"
	"raftchat/internal/logger"
	"raftchat/internal/store"
)

const defaultAddrs = "127.0.0.1:8001,127.0.0.1:8002,127.0.0.1:8003"

// cacheDirName is rebuilt from the cluster, so backups leave it out.
const cacheDirName = "chat_cache"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "kv":
		kvCmd(os.Args[2:])
	case "repl":
		replCmd(os.Args[2:])
	case "backup":
		backupCmd(os.Args[2:])
	case "restore":
		restoreCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `raftchat CLI

Usage:
  raftchat-cli kv get --addrs <host:port,...> --key <k>
  raftchat-cli kv set --addrs <host:port,...> --key <k> --value <v>
  raftchat-cli repl   --addrs <host:port,...>
  raftchat-cli backup  --data-dir <dir> --out <file.tar.gz>
  raftchat-cli restore --data-dir <dir> --in <file.tar.gz>

Node ids follow the order of --addrs, starting at 1.
`)
}

// clientFlags are shared by every subcommand.
type clientFlags struct {
	addrs   *string
	timeout *time.Duration
	verbose *bool
}

func registerClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		addrs:   fs.String("addrs", defaultAddrs, "comma separated cluster members"),
		timeout: fs.Duration("timeout", 5*time.Second, "per-command deadline"),
		verbose: fs.Bool("v", false, "log routing decisions"),
	}
}

func (f clientFlags) client() (*kv.Client, error) {
	nodes, err := parseNodes(*f.addrs)
	if err != nil {
		return nil, err
	}
	level := "error"
	if *f.verbose {
		level = "debug"
	}
	lg, err := logger.Setup(config.LogConfig{Level: level, Format: "console"})
	if err != nil {
		return nil, err
	}
	router, err := cluster.NewRouter(cluster.Config{Nodes: nodes, Logger: lg.Named("cluster")}, nil)
	if err != nil {
		return nil, err
	}
	return kv.New(router, kv.WithLogger(lg.Named("kv"))), nil
}

// parseNodes turns "h1:p1,h2:p2" into members with ids 1..n.
func parseNodes(list string) ([]cluster.Node, error) {
	var nodes []cluster.Node
	for _, addr := range strings.Split(list, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("bad address %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("bad port in %q", addr)
		}
		nodes = append(nodes, cluster.Node{ID: len(nodes) + 1, Host: host, Port: port})
	}
	if len(nodes) == 0 {
		return nil, cluster.ErrNoNodes
	}
	return nodes, nil
}

func kvCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "get":
		kvGet(args[1:])
	case "set":
		kvSet(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func kvGet(args []string) {
	fs := flag.NewFlagSet("kv get", flag.ExitOnError)
	cf := registerClientFlags(fs)
	key := fs.String("key", "", "key")
	_ = fs.Parse(args)
	if *key == "" {
		fmt.Fprintln(os.Stderr, "--key is required")
		os.Exit(1)
	}
	c, err := cf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "client error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *cf.timeout)
	defer cancel()
	if err := runLine(ctx, c, os.Stdout, "GET "+*key); err != nil {
		fmt.Fprintf(os.Stderr, "get error: %v\n", err)
		os.Exit(1)
	}
}

func kvSet(args []string) {
	fs := flag.NewFlagSet("kv set", flag.ExitOnError)
	cf := registerClientFlags(fs)
	key := fs.String("key", "", "key")
	value := fs.String("value", "", "value")
	_ = fs.Parse(args)
	if *key == "" {
		fmt.Fprintln(os.Stderr, "--key is required")
		os.Exit(1)
	}
	c, err := cf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "client error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *cf.timeout)
	defer cancel()
	if err := c.Set(ctx, *key, *value); err != nil {
		fmt.Fprintf(os.Stderr, "set error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func replCmd(args []string) {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	cf := registerClientFlags(fs)
	_ = fs.Parse(args)
	c, err := cf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "client error: %v\n", err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{Prompt: "raft> "})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("raftchat kv shell (type '.help' for commands, '.exit' to quit)")
	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case ".exit":
			return
		case ".help":
			fmt.Println(replHelp)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), *cf.timeout)
		if err := runLine(ctx, c, rl.Stdout(), line); err != nil {
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
		cancel()
	}
}

const replHelp = `GET <key>            read a key
SET <key> <value>    write a key; the value is the rest of the line
.help                show this text
.exit                leave the shell`

// kvStore is the part of *kv.Client the shell drives.
type kvStore interface {
	Get(ctx context.Context, key string) (kv.Value, error)
	Set(ctx context.Context, key string, value any) error
}

// runLine executes one shell command and prints its result to w.
func runLine(ctx context.Context, c kvStore, w io.Writer, line string) error {
	op, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToUpper(op) {
	case "GET":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return errors.New("usage: GET <key>")
		}
		v, err := c.Get(ctx, rest)
		if errors.Is(err, kv.ErrNotFound) {
			fmt.Fprintln(w, "(nil)")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w, v.Text)
		return nil
	case "SET":
		key, value, ok := strings.Cut(rest, " ")
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return errors.New("usage: SET <key> <value>")
		}
		if err := c.Set(ctx, key, value); err != nil {
			return err
		}
		fmt.Fprintln(w, "OK")
		return nil
	default:
		return fmt.Errorf("unknown command %q", op)
	}
}

func backupCmd(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	dataDir := fs.String("data-dir", "data", "server data directory")
	out := fs.String("out", "", "archive to write")
	_ = fs.Parse(args)
	if *out == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup error: %v\n", err)
		os.Exit(1)
	}
	if err := store.Snapshot(*dataDir, f, cacheDirName); err != nil {
		f.Close()
		fmt.Fprintf(os.Stderr, "backup error: %v\n", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "backup error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *out)
}

func restoreCmd(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	dataDir := fs.String("data-dir", "data", "server data directory; stop the server first")
	in := fs.String("in", "", "archive to read")
	_ = fs.Parse(args)
	if *in == "" {
		fmt.Fprintln(os.Stderr, "--in is required")
		os.Exit(1)
	}

	f, err := os.Open(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	if err := store.Restore(f, *dataDir, cacheDirName); err != nil {
		fmt.Fprintf(os.Stderr, "restore error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("restored %s into %s\n", *in, *dataDir)
}
