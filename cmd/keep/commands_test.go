package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-keep/v1/core"
)

func newCLI(t *testing.T) (*cli, *bytes.Buffer) {
	t.Helper()
	e, err := core.Open(context.Background(), core.WithLogPath(filepath.Join(t.TempDir(), "keep.log")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	var out bytes.Buffer
	return &cli{engine: e, out: &out, timeout: time.Second}, &out
}

func TestCommands(t *testing.T) {
	c, out := newCLI(t)
	ctx := context.Background()
	steps := []struct {
		args []string
		want string
	}{
		{[]string{"set", "a", "hello", "1h"}, "OK\n"},
		{[]string{"get", "a"}, "hello\n"},
		{[]string{"exists", "a"}, "true\n"},
		{[]string{"minlen", "3"}, "a\n(1 keys)\n"},
		{[]string{"ttl", "2h"}, "(0 keys)\n"},
		{[]string{"del", "a"}, "true\n"},
		{[]string{"del", "a"}, "false\n"},
		{[]string{"get", "a"}, "(not-found)\n"},
		{[]string{"compact"}, "OK\n"},
		{[]string{"verify"}, "checked 0, mismatches 0, accounted 0/0 bytes, healed false\n"},
	}
	for _, s := range steps {
		out.Reset()
		if err := c.run(ctx, s.args); err != nil {
			t.Fatalf("%v: %v", s.args, err)
		}
		if out.String() != s.want {
			t.Fatalf("%v: got %q, want %q", s.args, out.String(), s.want)
		}
	}
}

func TestCommandErrors(t *testing.T) {
	c, _ := newCLI(t)
	ctx := context.Background()
	for _, args := range [][]string{{}, {"nope"}, {"get"}, {"set", "k"}, {"set", "k", "v", "soon"}, {"minlen", "x"}} {
		if err := c.run(ctx, args); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestNamespaceAndAsync(t *testing.T) {
	c, out := newCLI(t)
	c.db = "users"
	c.async = true
	ctx := context.Background()
	if err := c.run(ctx, []string{"set", "42", "ann", "1h"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !strings.HasPrefix(out.String(), "QUEUED ") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if err := c.engine.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if ok, _ := c.engine.Exists(ctx, "users:42"); !ok {
		t.Fatal("namespaced key missing")
	}
}

func TestShell(t *testing.T) {
	c, out := newCLI(t)
	c.in = strings.NewReader("set k v 1h\n\nbogus\ndrain\nget k\nquit\nget k\n")
	if err := c.run(context.Background(), []string{"shell"}); err != nil {
		t.Fatalf("shell: %v", err)
	}
	want := "OK\nERR unknown command \"bogus\"\nOK\nv\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestStats(t *testing.T) {
	c, out := newCLI(t)
	_ = c.run(context.Background(), []string{"set", "k", "v", "1h"})
	out.Reset()
	if err := c.run(context.Background(), []string{"stats"}); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out.String(), "entries:    1") || !strings.Contains(out.String(), "MiB") {
		t.Fatalf("unexpected stats %q", out.String())
	}
}

func TestShellQuotedValue(t *testing.T) {
	c, out := newCLI(t)
	c.in = strings.NewReader("set greeting \"hello world\" 1h\nget greeting\nset k \"open\nget k\n")
	if err := c.run(context.Background(), []string{"shell"}); err != nil {
		t.Fatalf("shell: %v", err)
	}
	want := "OK\nhello world\nERR unterminated quote\n(not-found)\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestSplitLine(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"  get   k ", []string{"get", "k"}},
		{`set k "a \"b\"\tc" 5s`, []string{"set", "k", "a \"b\"\tc", "5s"}},
		{`set k ""`, []string{"set", "k", ""}},
	}
	for _, tt := range tests {
		got, err := splitLine(tt.in)
		if err != nil {
			t.Fatalf("splitLine(%q): %v", tt.in, err)
		}
		if fmt.Sprintf("%q", got) != fmt.Sprintf("%q", tt.want) {
			t.Fatalf("splitLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
