package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mirkobrombin/go-keep/v1/cache"
	"github.com/mirkobrombin/go-keep/v1/core"
	"github.com/mirkobrombin/go-keep/v1/validator"
)

type cli struct {
	engine  *core.Engine
	out     io.Writer
	in      io.Reader
	db      string
	async   bool
	timeout time.Duration
}

func (c *cli) key(k string) string {
	if c.db == "" {
		return k
	}
	return core.Namespace(c.db, k)
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command")
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d argument(s), got %d", cmd, n, len(args))
		}
		return nil
	}

	switch cmd {
	case "set":
		if err := need(2); err != nil {
			return err
		}
		var ttl time.Duration
		if len(args) > 2 {
			d, err := time.ParseDuration(args[2])
			if err != nil {
				return fmt.Errorf("set: ttl: %w", err)
			}
			ttl = d
		}
		return c.set(ctx, c.key(args[0]), []byte(args[1]), ttl)

	case "get":
		if err := need(1); err != nil {
			return err
		}
		res, err := c.engine.Get(ctx, c.key(args[0]))
		if err != nil {
			return err
		}
		if res.Status != cache.Found {
			fmt.Fprintln(c.out, "("+res.Status.String()+")")
			return nil
		}
		fmt.Fprintln(c.out, string(res.Value))

	case "del":
		if err := need(1); err != nil {
			return err
		}
		removed, err := c.engine.Delete(ctx, c.key(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, removed)

	case "exists":
		if err := need(1); err != nil {
			return err
		}
		ok, err := c.engine.Exists(ctx, c.key(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, ok)

	case "minlen":
		if err := need(1); err != nil {
			return err
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("minlen: %w", err)
		}
		keys, err := c.engine.ByMinValueLength(ctx, n)
		if err != nil {
			return err
		}
		c.printKeys(keys)

	case "ttl":
		if err := need(1); err != nil {
			return err
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
		keys, err := c.engine.ByRemainingTTL(ctx, d)
		if err != nil {
			return err
		}
		c.printKeys(keys)

	case "compact":
		if err := c.engine.Compact(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "OK")

	case "stats":
		c.printStats()

	case "verify":
		mode := validator.ModeAlert
		if len(args) > 0 && args[0] == "heal" {
			mode = validator.ModeAutoHeal
		}
		rep, err := validator.New(c.engine, mode, time.Minute).Check(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "checked %d, mismatches %d, accounted %d/%d bytes, healed %t\n",
			rep.Checked, rep.Mismatches, rep.Accounted, rep.Actual, rep.Healed)

	case "shell":
		return c.shell(ctx)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (c *cli) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.async {
		if err := c.engine.SetSync(ctx, key, value, ttl); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "OK")
		return nil
	}
	t, err := c.engine.Set(ctx, key, value, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "QUEUED", t.ID)
	return nil
}

func (c *cli) printKeys(keys []string) {
	for _, k := range keys {
		fmt.Fprintln(c.out, k)
	}
	fmt.Fprintf(c.out, "(%d keys)\n", len(keys))
}

func (c *cli) printStats() {
	s := c.engine.Stats()
	fmt.Fprintf(c.out, "entries:    %d\n", s.Size)
	fmt.Fprintf(c.out, "memory:     %s / %s\n", humanize.IBytes(uint64(s.Bytes)), humanize.IBytes(uint64(c.engine.Store().MaxMemory())))
	fmt.Fprintf(c.out, "hits:       %d\n", s.Hits)
	fmt.Fprintf(c.out, "misses:     %d\n", s.Misses)
	fmt.Fprintf(c.out, "expired:    %d\n", s.Expired)
	fmt.Fprintf(c.out, "evictions:  %d\n", s.Evictions)
	fmt.Fprintf(c.out, "pending:    %d\n", s.Pending)
	fmt.Fprintf(c.out, "replayed:   %d applied, %d malformed, %d expired\n", s.Replay.Applied, s.Replay.Skipped, s.Replay.Expired)
}

// shell runs one command per input line until EOF or "quit". Errors are
// printed and do not stop the session.
func (c *cli) shell(ctx context.Context) error {
	in := c.in
	if in == nil {
		in = os.Stdin
	}
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields, err := splitLine(sc.Text())
		if err != nil {
			fmt.Fprintln(c.out, "ERR", err)
			continue
		}
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "quit", "exit":
			return nil
		case "shell":
			fmt.Fprintln(c.out, "ERR already in shell")
			continue
		case "drain":
			dctx, cancel := context.WithTimeout(ctx, c.timeout)
			err := c.engine.Drain(dctx)
			cancel()
			if err != nil {
				fmt.Fprintln(c.out, "ERR", err)
			} else {
				fmt.Fprintln(c.out, "OK")
			}
			continue
		}
		if err := c.run(ctx, fields); err != nil {
			fmt.Fprintln(c.out, "ERR", err)
		}
	}
	return sc.Err()
}

// splitLine splits a shell line on whitespace. A double-quoted word is
// taken whole and unquoted with Go string escapes, so values may contain
// spaces: set greeting "hello world" 1h.
func splitLine(line string) ([]string, error) {
	var out []string
	for {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			return out, nil
		}
		if line[0] != '"' {
			end := strings.IndexAny(line, " \t")
			if end < 0 {
				end = len(line)
			}
			out = append(out, line[:end])
			line = line[end:]
			continue
		}
		end := closingQuote(line)
		if end < 0 {
			return nil, fmt.Errorf("unterminated quote")
		}
		word, err := strconv.Unquote(line[:end+1])
		if err != nil {
			return nil, fmt.Errorf("bad quoted word: %w", err)
		}
		out = append(out, word)
		line = line[end+1:]
	}
}

// closingQuote returns the index of the quote ending the word that opens
// at s[0], or -1.
func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}
