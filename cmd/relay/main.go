package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Chatty-Inc/chatty2-backend/internal/ban"
	"github.com/Chatty-Inc/chatty2-backend/internal/config"
	"github.com/Chatty-Inc/chatty2-backend/internal/keystore"
	"github.com/Chatty-Inc/chatty2-backend/internal/logging"
	"github.com/Chatty-Inc/chatty2-backend/internal/mailbox"
	"github.com/Chatty-Inc/chatty2-backend/internal/server"
	"github.com/Chatty-Inc/chatty2-backend/internal/store/boltstore"
	"github.com/Chatty-Inc/chatty2-backend/internal/store/memstore"
	"github.com/Chatty-Inc/chatty2-backend/internal/store/s3store"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// persistentStore is what the relay needs from a storage backend.
type persistentStore interface {
	mailbox.Store
	ban.Source
	ban.Seeder
}

// banFlags collects repeated -ban kind=value entries.
type banFlags []string

func (b *banFlags) String() string { return strings.Join(*b, ",") }

func (b *banFlags) Set(v string) error {
	if _, _, err := ban.ParseEntry(v); err != nil {
		return err
	}
	*b = append(*b, v)
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	envPath := flag.String("env", ".env", "Path to a dotenv file (optional)")
	var bans banFlags
	flag.Var(&bans, "ban", "Persist a ban in the store before starting, as ip=<addr> or uid=<id> (repeatable)")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Debug())
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sealer, sealed := openSealer(ctx, logger, cfg)

	store, closeStore, err := openStore(ctx, cfg, sealed)
	if err != nil {
		logger.Fatal("open store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}

	for _, entry := range bans {
		kind, value, _ := ban.ParseEntry(entry)
		if err := store.Ban(ctx, kind, value); err != nil {
			logger.Fatal("seed ban", zap.String("kind", kind), zap.String("value", value), zap.Error(err))
		}
		logger.Info("ban recorded", zap.String("kind", kind), zap.String("value", value))
	}

	gate, err := ban.Load(ctx, store, ban.Snapshot{IPs: cfg.Ban.IPs, UIDs: cfg.Ban.UIDs})
	if err != nil {
		logger.Fatal("load ban list", zap.Error(err))
	}
	ips, uids := gate.Size()
	logger.Info("ban list loaded", zap.Int("ips", ips), zap.Int("uids", uids))

	var mbSealer mailbox.Sealer
	if sealed {
		mbSealer = sealer
	}
	srv := server.NewRelayServer(cfg, logger, store, gate, mbSealer)
	err = srv.Start(ctx)
	closeStore()
	if err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

// openSealer unlocks the mailbox sealing key when one is configured.
func openSealer(ctx context.Context, log *zap.Logger, cfg config.Config) (*keystore.Sealer, bool) {
	if cfg.Store.SealKeyPath == "" {
		return nil, false
	}
	passphrase, err := cfg.SealPassphrase()
	if err != nil {
		log.Fatal("seal passphrase unavailable", zap.Error(err))
	}
	sealer := keystore.NewSealer(cfg.Store.SealKeyPath)
	created, err := sealer.OpenOrInitialize(ctx, passphrase)
	if err != nil {
		log.Fatal("unlock seal key", zap.String("path", sealer.Path()), zap.Error(err))
	}
	if created {
		log.Info("initialized new seal key", zap.String("path", sealer.Path()))
	} else {
		log.Info("seal key unlocked")
	}
	return sealer, true
}

func openStore(ctx context.Context, cfg config.Config, sealed bool) (persistentStore, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case config.BackendBolt:
		if dir := filepath.Dir(cfg.Store.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, noop, fmt.Errorf("create store dir: %w", err)
			}
		}
		db, err := boltstore.New(cfg.Store.Path)
		if err != nil {
			return nil, noop, err
		}
		return db, func() { _ = db.Close() }, nil
	case config.BackendS3:
		st, err := s3store.New(ctx, cfg.Store.Bucket, cfg.Store.Region, cfg.Store.Prefix)
		if err != nil {
			return nil, noop, err
		}
		st.Sealed = sealed
		return st, noop, nil
	case config.BackendMemory:
		return memstore.New(ban.Snapshot{}), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
