// ABOUTME: Data commands for coven-kv: get, set, add, rm, clear, count, keys, values, json, watch
// ABOUTME: Each command opens one named store, runs a single operation, and prints the result

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-kv/internal/kv"
)

// parseKey turns a command-line key into an int64 when it looks like one.
func parseKey(s string, asString bool) any {
	if !asString {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return s
}

// parseValue decodes s as JSON, falling back to the literal string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

type rangeFlags struct {
	from, to         string
	fromOpen, toOpen bool
}

func addRangeFlags(fs *flag.FlagSet) *rangeFlags {
	rf := &rangeFlags{}
	fs.StringVar(&rf.from, "from", "", "lower bound key")
	fs.StringVar(&rf.to, "to", "", "upper bound key")
	fs.BoolVar(&rf.fromOpen, "from-open", false, "exclude the lower bound")
	fs.BoolVar(&rf.toOpen, "to-open", false, "exclude the upper bound")
	return rf
}

// keyRange returns nil when neither bound is set.
func (rf *rangeFlags) keyRange(asString bool) *kv.KeyRange {
	switch {
	case rf.from != "" && rf.to != "":
		return kv.Bound(parseKey(rf.from, asString), parseKey(rf.to, asString), rf.fromOpen, rf.toOpen)
	case rf.from != "":
		return kv.LowerBound(parseKey(rf.from, asString), rf.fromOpen)
	case rf.to != "":
		return kv.UpperBound(parseKey(rf.to, asString), rf.toOpen)
	default:
		return nil
	}
}

// command is one parsed invocation.
type command struct {
	fs    *flag.FlagSet
	store *storeFlags
	rng   *rangeFlags
}

func newCommand(name string, withRange bool) *command {
	fs, sf := newFlagSet(name)
	c := &command{fs: fs, store: sf}
	if withRange {
		c.rng = addRangeFlags(fs)
	}
	return c
}

func (c *command) parse(args []string, minArgs, maxArgs int) ([]string, error) {
	if err := c.fs.Parse(args); err != nil {
		return nil, err
	}
	rest := c.fs.Args()
	if len(rest) < minArgs || (maxArgs >= 0 && len(rest) > maxArgs) {
		return nil, fmt.Errorf("%s: wrong number of arguments (see coven-kv help)", c.fs.Name())
	}
	return rest, nil
}

func (c *command) key(s string) any {
	return parseKey(s, c.store.strKeys)
}

func (c *command) keyRange() *kv.KeyRange {
	if c.rng == nil {
		return nil
	}
	return c.rng.keyRange(c.store.strKeys)
}

// with opens the store, runs fn, and closes the store.
func (c *command) with(ctx context.Context, fn func(*kv.Store) error) error {
	sess, err := openSession(ctx, c.store.store, false)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(sess.store)
}

// pending is an issued operation: its future, or the error that kept it from
// being queued.
type pending[T any] struct {
	f   *kv.Future[T]
	err error
}

func await[T any](f *kv.Future[T], err error) pending[T] {
	return pending[T]{f: f, err: err}
}

func (p pending[T]) in(ctx context.Context) (T, error) {
	if p.err != nil {
		var zero T
		return zero, p.err
	}
	return p.f.Wait(ctx)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func runGet(ctx context.Context, args []string) error {
	c := newCommand("get", false)
	rest, err := c.parse(args, 1, -1)
	if err != nil {
		return err
	}
	return c.with(ctx, func(s *kv.Store) error {
		if len(rest) == 1 {
			v, err := await(s.Get(c.key(rest[0]))).in(ctx)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, v)
		}
		keys := make([]any, len(rest))
		for i, k := range rest {
			keys[i] = c.key(k)
		}
		values, err := await(s.GetMany(keys)).in(ctx)
		if err != nil {
			return err
		}
		for _, v := range values {
			if err := printJSON(os.Stdout, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func runSet(ctx context.Context, args []string) error {
	c := newCommand("set", false)
	rest, err := c.parse(args, 2, 2)
	if err != nil {
		return err
	}
	return c.with(ctx, func(s *kv.Store) error {
		_, err := await(s.Set(c.key(rest[0]), parseValue(rest[1]))).in(ctx)
		return err
	})
}

func runAdd(ctx context.Context, args []string) error {
	c := newCommand("add", false)
	rest, err := c.parse(args, 1, 2)
	if err != nil {
		return err
	}
	var key any
	value := rest[0]
	if len(rest) == 2 {
		key = c.key(rest[0])
		value = rest[1]
	}
	return c.with(ctx, func(s *kv.Store) error {
		k, err := await(s.Add(key, parseValue(value))).in(ctx)
		if err != nil {
			return err
		}
		fmt.Println(k)
		return nil
	})
}

func runRemove(ctx context.Context, args []string) error {
	c := newCommand("rm", true)
	rest, err := c.parse(args, 0, 1)
	if err != nil {
		return err
	}
	var target any
	switch r := c.keyRange(); {
	case len(rest) == 1 && r != nil:
		return errors.New("rm: pass a key or a range, not both")
	case len(rest) == 1:
		target = c.key(rest[0])
	case r != nil:
		target = r
	default:
		return errors.New("rm: a key or a range is required")
	}
	return c.with(ctx, func(s *kv.Store) error {
		_, err := await(s.Remove(target)).in(ctx)
		return err
	})
}

func runClear(ctx context.Context, args []string) error {
	c := newCommand("clear", false)
	if _, err := c.parse(args, 0, 0); err != nil {
		return err
	}
	return c.with(ctx, func(s *kv.Store) error {
		_, err := await(s.Clear()).in(ctx)
		return err
	})
}

func runCount(ctx context.Context, args []string) error {
	c := newCommand("count", true)
	if _, err := c.parse(args, 0, 0); err != nil {
		return err
	}
	return c.with(ctx, func(s *kv.Store) error {
		n, err := await(s.Count(c.keyRange())).in(ctx)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	})
}

func runKeys(ctx context.Context, args []string) error {
	c := newCommand("keys", true)
	if _, err := c.parse(args, 0, 0); err != nil {
		return err
	}
	return c.with(ctx, func(s *kv.Store) error {
		keys, err := await(s.Keys(c.keyRange())).in(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	})
}

func runValues(ctx context.Context, args []string) error {
	c := newCommand("values", true)
	if _, err := c.parse(args, 0, 0); err != nil {
		return err
	}
	return c.with(ctx, func(s *kv.Store) error {
		values, err := await(s.Values(c.keyRange())).in(ctx)
		if err != nil {
			return err
		}
		for _, v := range values {
			if err := printJSON(os.Stdout, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func runJSON(ctx context.Context, args []string) error {
	c := newCommand("json", true)
	if _, err := c.parse(args, 0, 0); err != nil {
		return err
	}
	return c.with(ctx, func(s *kv.Store) error {
		doc, err := await(s.JSON(c.keyRange())).in(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, doc)
	})
}

func runWatch(ctx context.Context, args []string) error {
	c := newCommand("watch", false)
	if _, err := c.parse(args, 0, 0); err != nil {
		return err
	}
	sess, err := openSession(ctx, c.store.store, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	w := &watcher{out: os.Stdout}
	for _, t := range []kv.EventType{kv.EventAdd, kv.EventSet, kv.EventRemove} {
		if _, err := sess.store.On(t, w.print); err != nil {
			return err
		}
	}
	// error (if any) precedes close on the same goroutine.
	var cause error
	closed := make(chan error, 1)
	if _, err := sess.store.On(kv.EventError, func(ev kv.Event) { cause = ev.Err }); err != nil {
		return err
	}
	if _, err := sess.store.On(kv.EventClose, func(kv.Event) {
		select {
		case closed <- cause:
		default:
		}
	}); err != nil {
		return err
	}

	color.New(color.FgHiBlack).Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", c.store.store)
	select {
	case <-ctx.Done():
		return nil
	case err := <-closed:
		if err != nil {
			return fmt.Errorf("store closed: %w", err)
		}
		return nil
	}
}

// watcher prints change events one per line.
type watcher struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *watcher) print(ev kv.Event) {
	if ev.Change == nil {
		return
	}
	b, err := json.Marshal(ev.Change)
	if err != nil {
		return
	}

	var method string
	switch ev.Change.Method {
	case kv.EventAdd:
		method = color.GreenString("%-6s", ev.Change.Method)
	case kv.EventSet:
		method = color.CyanString("%-6s", ev.Change.Method)
	default:
		method = color.YellowString("%-6s", ev.Change.Method)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "%s %s %s\n", color.HiBlackString(time.Now().Format("15:04:05")), method, b)
}
