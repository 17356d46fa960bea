// Package badger stores team state in an embedded BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/store"
)

type Config struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig is for tests: no disk I/O, no sync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// zapLogger adapts zap to badger.Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapLogger) Errorf(format string, args ...interface{})   { l.sugar.Errorf(format, args...) }
func (l zapLogger) Warningf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l zapLogger) Infof(format string, args ...interface{})    { l.sugar.Infof(format, args...) }
func (l zapLogger) Debugf(format string, args ...interface{})   { l.sugar.Debugf(format, args...) }

type Store struct {
	db *badgerdb.DB
}

func Open(cfg Config) (*Store, error) {
	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(zapLogger{sugar: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(teamID string) []byte {
	return []byte("team/" + teamID)
}

func (s *Store) Save(ctx context.Context, teamID string, state engine.State, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := store.EncodeEnvelope(state, version)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(teamID))
		switch {
		case errors.Is(err, badgerdb.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("read team %s: %w", teamID, err)
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read team %s: %w", teamID, err)
			}
			cur, err := store.DecodeEnvelope(raw)
			if err != nil {
				return err
			}
			if cur.Version > version {
				return store.ErrVersionConflict
			}
		}
		return txn.Set(key(teamID), data)
	})
}

func (s *Store) Load(ctx context.Context, teamID string) (engine.State, error) {
	if err := ctx.Err(); err != nil {
		return engine.State{}, err
	}
	var raw []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(teamID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return engine.State{}, store.ErrNotFound
	}
	if err != nil {
		return engine.State{}, fmt.Errorf("read team %s: %w", teamID, err)
	}
	env, err := store.DecodeEnvelope(raw)
	if err != nil {
		return engine.State{}, err
	}
	return env.State, nil
}
