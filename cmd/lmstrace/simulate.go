package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vincentbai/lmstrace/internal/config"
	"github.com/vincentbai/lmstrace/internal/simulate"
	"github.com/vincentbai/lmstrace/internal/storage"
	"github.com/vincentbai/lmstrace/internal/telemetry"
	"github.com/vincentbai/lmstrace/internal/transport"
)

func newSimulateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Replay a scripted page session through the collector",
		Long: `Simulate builds a page from the scenario, runs the collector against it in
virtual time and delivers the resulting batches to the configured endpoint.
A JSON summary is printed when the scenario ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := simulate.Load(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, closeStore, err := openStore(a.cfg.Storage)
			if err != nil {
				return err
			}
			defer closeStore()

			tr, err := transport.NewHTTP(transport.Options{
				Endpoint:      a.cfg.Collector.Endpoint,
				BeaconTimeout: a.cfg.Collector.BeaconTimeout,
				Logger:        a.logger,
			})
			if err != nil {
				return err
			}

			result, err := simulate.Run(ctx, sc, time.Now(), telemetry.Options{
				Transport:      tr,
				Store:          store,
				Logger:         a.logger,
				FlushInterval:  a.cfg.Collector.FlushInterval,
				ScrollDebounce: a.cfg.Collector.ScrollDebounce,
				RequestTimeout: a.cfg.Collector.RequestTimeout,
				MaxBuffer:      a.cfg.Collector.MaxBuffer,
				MaxBackup:      a.cfg.Collector.MaxBackup,
			})
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(a.out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
	cmd.Flags().String("storage", config.BackendMemory, "session store backend (memory, sqlite, redis)")
	cmd.Flags().String("storage-path", "", "SQLite file for the sqlite backend")
	cmd.Flags().String("scope", "default", "session scope within a shared store")
	a.bind(config.KeyStorageBackend, cmd.Flags().Lookup("storage"))
	a.bind(config.KeyStoragePath, cmd.Flags().Lookup("storage-path"))
	a.bind(config.KeyStorageScope, cmd.Flags().Lookup("scope"))
	return cmd
}

// openStore opens the session-scoped store the collector keeps its session id
// and backup in.
func openStore(cfg config.StorageConfig) (storage.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := storage.NewSQLite(cfg.Path, cfg.Scope)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.BackendRedis:
		rc := storage.DefaultRedisConfig(cfg.RedisAddress)
		rc.Password = cfg.RedisPassword
		rc.Database = cfg.RedisDatabase
		rc.TTL = cfg.RedisTTL
		s, err := storage.NewRedis(rc, cfg.Scope)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.BackendMemory:
		return storage.NewMemory(), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
