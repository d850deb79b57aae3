// ABOUTME: Opens a named store from configuration for the data commands
// ABOUTME: Selects the storage driver and joins the change relay when it is reachable

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/2389/coven-kv/internal/broadcast"
	"github.com/2389/coven-kv/internal/config"
	"github.com/2389/coven-kv/internal/engine"
	"github.com/2389/coven-kv/internal/engine/bolt"
	"github.com/2389/coven-kv/internal/engine/memory"
	"github.com/2389/coven-kv/internal/engine/sqlite"
	"github.com/2389/coven-kv/internal/kv"
	"github.com/2389/coven-kv/internal/relay"
)

// newDriver returns the storage driver named by cfg and a function that waits
// for its files to be released.
func newDriver(cfg config.DatabaseConfig, logger *slog.Logger) (engine.Driver, func(), error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.New(cfg.Dir, logger), func() {}, nil
	case config.DriverSQLite3:
		return sqlite.New(cfg.Dir, logger, sqlite.WithDriverName(sqlite.DriverMattn)), func() {}, nil
	case config.DriverBolt:
		d := bolt.New(cfg.Dir, logger)
		return d, d.Wait, nil
	case config.DriverMemory:
		return memory.New(logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// session is one command's view of a store.
type session struct {
	store  *kv.Store
	logger *slog.Logger
	closes []func()
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing store", "error", err)
	}
	for i := len(s.closes) - 1; i >= 0; i-- {
		s.closes[i]()
	}
}

// storeFlags are shared by every data command.
type storeFlags struct {
	store   string
	strKeys bool
}

func newFlagSet(name string) (*flag.FlagSet, *storeFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	sf := &storeFlags{}
	fs.StringVar(&sf.store, "store", "default", "store name")
	fs.BoolVar(&sf.strKeys, "string", false, "treat keys as text even when they look numeric")
	return fs, sf
}

// openSession loads configuration and opens the named store. When
// requireRelay is false an unreachable relay only costs change events.
func openSession(ctx context.Context, name string, requireRelay bool) (*session, error) {
	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	if cfg.Database.Dir != "" && cfg.Database.Driver != config.DriverMemory {
		if err := os.MkdirAll(cfg.Database.Dir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	driver, wait, err := newDriver(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	sess := &session{logger: logger, closes: []func(){wait}}

	var b broadcast.Broadcaster
	if cfg.Relay.Enabled {
		client, err := relay.Dial(cfg.Relay.Addr, logger)
		if err != nil {
			return nil, err
		}
		sess.closes = append(sess.closes, func() { _ = client.Close() })
		b = client
	} else if requireRelay {
		return nil, errors.New("watch needs relay.enabled in the config")
	}

	open := func(b broadcast.Broadcaster) (*kv.Store, error) {
		return kv.Open(name, kv.Options{
			Driver:       driver,
			Broadcaster:  b,
			Capabilities: kv.DetectCapabilities(driver, b),
			Logger:       logger,
		})
	}

	store, err := open(b)
	if err != nil && b != nil && !requireRelay {
		logger.Warn("relay unavailable, change events stay local", "addr", cfg.Relay.Addr, "error", err)
		store, err = open(nil)
	}
	if err != nil {
		for _, fn := range sess.closes {
			fn()
		}
		return nil, fmt.Errorf("opening store %s: %w", name, err)
	}
	sess.store = store

	if _, err := store.Ready().Wait(ctx); err != nil {
		sess.Close()
		return nil, fmt.Errorf("opening store %s: %w", name, err)
	}
	return sess, nil
}
