package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vango-go/vai-voice/pkg/voice/config"
	"github.com/vango-go/vai-voice/pkg/voice/store"
	"github.com/vango-go/vai-voice/pkg/voice/store/postgres"
	"github.com/vango-go/vai-voice/pkg/voice/store/sqlite"
)

const (
	storeAuto     = "auto"
	storePostgres = "postgres"
	storeSQLite   = "sqlite"
	storeMemory   = "memory"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

type openedStore struct {
	kind    string
	store   store.Store
	closeFn func()
}

func (o openedStore) Close() {
	if o.closeFn != nil {
		o.closeFn()
	}
}

func resolveStoreKind(cfg config.Config, kind string) (string, error) {
	switch kind {
	case "", storeAuto:
		switch {
		case cfg.DatabaseURL != "":
			return storePostgres, nil
		case cfg.SQLitePath != "":
			return storeSQLite, nil
		default:
			return storeMemory, nil
		}
	case storePostgres:
		if cfg.DatabaseURL == "" {
			return "", fmt.Errorf("--store=postgres requires VAI_VOICE_DATABASE_URL")
		}
		return kind, nil
	case storeSQLite:
		if cfg.SQLitePath == "" {
			return "", fmt.Errorf("--store=sqlite requires VAI_VOICE_SQLITE_PATH")
		}
		return kind, nil
	case storeMemory:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown store %q (want auto|postgres|sqlite|memory)", kind)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, cfg config.Config, kind string, logger *slog.Logger) (openedStore, error) {
	kind, err := resolveStoreKind(cfg, kind)
	if err != nil {
		return openedStore{}, err
	}

	var (
		st      store.Store
		m       migrator
		closeFn func()
	)
	switch kind {
	case storePostgres:
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return openedStore{}, err
		}
		pg.SetReuseWindow(cfg.ConversationReuseWindow)
		st, m, closeFn = pg, pg, pg.Close
	case storeSQLite:
		lite, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return openedStore{}, err
		}
		lite.SetReuseWindow(cfg.ConversationReuseWindow)
		st, m = lite, lite
		closeFn = func() {
			if err := lite.Close(); err != nil {
				logger.Warn("close sqlite store", "error", err)
			}
		}
	default:
		mem := store.NewMemory()
		mem.SetReuseWindow(cfg.ConversationReuseWindow)
		return openedStore{kind: storeMemory, store: mem}, nil
	}

	if err := m.Migrate(ctx); err != nil {
		closeFn()
		return openedStore{}, err
	}
	logger.Debug("store ready", "kind", kind)
	return openedStore{kind: kind, store: st, closeFn: closeFn}, nil
}
