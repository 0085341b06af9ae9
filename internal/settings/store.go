// Package settings persists per-model settings in an embedded badger database.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/oszuidwest/zwfm-wakeword/internal/types"
	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

const (
	confidencePrefix = "confidence/"
	sessionPrefix    = "session/"
)

// ErrNoDir is returned when an on-disk store is opened without a directory.
var ErrNoDir = errors.New("settings directory is required")

// Options configures the store.
type Options struct {
	Dir      string
	InMemory bool // No disk persistence; for tests
}

// Store holds per-model confidence thresholds and the set of established sessions.
// It is safe for concurrent use.
type Store struct {
	db       *badger.DB
	defaults types.ConfidenceConfig
}

// Open opens or creates the store. Confidence lookups for models without
// stored thresholds return defaults.
func Open(opts Options, defaults types.ConfidenceConfig) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, ErrNoDir
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(slogLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, util.WrapError("open settings store", err)
	}
	return &Store{db: db, defaults: defaults}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Confidence returns the thresholds for model.
func (s *Store) Confidence(model string) (types.ConfidenceConfig, error) {
	var conf types.ConfidenceConfig
	found, err := s.get(confidencePrefix+model, &conf)
	if err != nil {
		return s.defaults, err
	}
	if !found {
		return s.defaults, nil
	}
	return conf, nil
}

// SetConfidence stores the thresholds for model.
func (s *Store) SetConfidence(model string, conf types.ConfidenceConfig) error {
	if err := util.ValidateStruct(&conf); err != nil {
		return err
	}
	return s.put(confidencePrefix+model, conf)
}

// SetSessionEnabled records whether model has an established session.
func (s *Store) SetSessionEnabled(model string, enabled bool) error {
	key := []byte(sessionPrefix + model)
	return s.db.Update(func(txn *badger.Txn) error {
		if !enabled {
			return txn.Delete(key)
		}
		return txn.Set(key, []byte{1})
	})
}

// EnabledSessions returns the models with an established session.
func (s *Store) EnabledSessions() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), sessionPrefix))
		}
		return nil
	})
	return names, err
}

// Forget removes all settings of model.
func (s *Store) Forget(model string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return errors.Join(
			txn.Delete([]byte(confidencePrefix+model)),
			txn.Delete([]byte(sessionPrefix+model)),
		)
	})
}

func (s *Store) get(key string, v any) (bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return util.WrapError("encode setting", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// slogLogger routes badger warnings and errors to slog, dropping chatter.
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...any) {
	slog.Error("settings store", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (slogLogger) Warningf(f string, v ...any) {
	slog.Warn("settings store", "msg", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (slogLogger) Infof(string, ...any)  {}
func (slogLogger) Debugf(string, ...any) {}
