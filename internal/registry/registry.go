// Package registry discovers sound model files and keeps their metadata.
//
// Keyphrase ids are drawn from a process-wide monotonic counter that starts
// at a configurable base, so they never collide with ids used by other
// engine clients and are never reused. A keyphrase keeps its id across
// rescans as long as its model file and phrase are unchanged.
package registry

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-wakeword/internal/env"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// modelNamespace derives stable model UUIDs from file names.
var modelNamespace = uuid.MustParse("6f1c7a8e-3b52-4d0e-9a55-2c8f0e4b7d19")

// ScanResult lists the models that changed during a scan.
type ScanResult struct {
	Added   []*types.SoundModel
	Updated []*types.SoundModel
	Removed []*types.SoundModel
}

// Registry holds the known sound models. Scans are expected from a single
// goroutine; lookups are safe from any goroutine.
type Registry struct {
	env    *env.Env
	logger *slog.Logger

	mu         sync.RWMutex
	models     map[string]*types.SoundModel
	factory    map[string]struct{} // Keyphrases of factory models
	phraseIDs  map[string]int      // model + phrase -> keyphrase id
	nextID     int
	nextIDInit bool
}

// New creates an empty registry.
func New(e *env.Env) *Registry {
	return &Registry{
		env:       e,
		logger:    e.Log("registry"),
		models:    make(map[string]*types.SoundModel),
		factory:   make(map[string]struct{}),
		phraseIDs: make(map[string]int),
	}
}

// kindOf classifies a file name by suffix.
func kindOf(name, factorySuffix, userSuffix string) (types.ModelKind, bool) {
	switch {
	case strings.HasSuffix(name, factorySuffix):
		return types.ModelFactory, true
	case strings.HasSuffix(name, userSuffix):
		return types.ModelUserTrained, true
	}
	return "", false
}

// ScanAndLoad synchronizes the registry with the model files in dir and
// refreshes the metadata of every model found. Models whose metadata cannot
// be queried stay in the registry without metadata.
func (r *Registry) ScanAndLoad(dir string) (ScanResult, error) {
	snap := r.env.Snapshot()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ScanResult{}, fmt.Errorf("model directory %s: %w", dir, types.ErrFileNotFound)
		}
		return ScanResult{}, fmt.Errorf("failed to read model directory: %w", err)
	}

	type found struct {
		name string
		path string
		kind types.ModelKind
		info *types.ModelInfo
	}
	var files []found
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		kind, ok := kindOf(entry.Name(), snap.Models.FactorySuffix, snap.Models.UserSuffix)
		if !ok {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		files = append(files, found{
			name: entry.Name(),
			path: path,
			kind: kind,
			info: r.query(entry.Name(), path),
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.nextIDInit {
		r.nextID = snap.Models.KeyphraseIDBase
		r.nextIDInit = true
	}

	var res ScanResult
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		seen[f.name] = struct{}{}
		m, exists := r.models[f.name]
		if !exists {
			m = types.NewSoundModel(uuid.NewSHA1(modelNamespace, []byte(f.name)), f.name, f.path, f.kind)
			r.models[f.name] = m
			res.Added = append(res.Added, m)
		} else {
			res.Updated = append(res.Updated, m)
		}
		if f.info != nil {
			r.assignIDs(f.name, f.info)
			m.SetInfo(f.info)
		}
	}
	for name, m := range r.models {
		if _, ok := seen[name]; !ok {
			delete(r.models, name)
			res.Removed = append(res.Removed, m)
		}
	}
	r.rebuildFactoryLocked()

	r.logger.Info("model scan complete",
		"dir", dir, "added", len(res.Added), "updated", len(res.Updated), "removed", len(res.Removed))
	return res, nil
}

// query reads a model file and asks the engine for its metadata.
func (r *Registry) query(name, path string) *types.ModelInfo {
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("failed to read model file", "model", name, "error", err)
		return nil
	}
	info, status := r.env.Engine.QueryModelInfo(data)
	if status != types.StatusOK || info == nil {
		r.logger.Warn("model metadata query failed", "model", name, "status", status)
		return nil
	}
	return info
}

// assignIDs fills in keyphrase and user ids. Caller must hold the write lock.
func (r *Registry) assignIDs(model string, info *types.ModelInfo) {
	for i := range info.Keyphrases {
		kp := &info.Keyphrases[i]
		key := model + "\x00" + kp.Phrase
		id, ok := r.phraseIDs[key]
		if !ok {
			id = r.nextID
			r.nextID++
			r.phraseIDs[key] = id
		}
		kp.ID = id
		for j := range kp.Users {
			kp.Users[j].ID = j + 1
		}
	}
}

// rebuildFactoryLocked recomputes the factory keyphrase set. Caller must hold the write lock.
func (r *Registry) rebuildFactoryLocked() {
	clear(r.factory)
	for _, m := range r.models {
		info := m.Info()
		if m.Kind != types.ModelFactory || info == nil {
			continue
		}
		for _, kp := range info.Keyphrases {
			r.factory[kp.Phrase] = struct{}{}
		}
	}
}

// Lookup returns the model with the given file name.
func (r *Registry) Lookup(name string) (*types.SoundModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Models returns all known models ordered by name.
func (r *Registry) Models() []*types.SoundModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.SortedFunc(maps.Values(r.models), func(a, b *types.SoundModel) int {
		return cmp.Compare(a.Name, b.Name)
	})
}

// GetKeyphraseNameByEngineID returns the phrase with the given keyphrase id.
func (r *Registry) GetKeyphraseNameByEngineID(id int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		info := m.Info()
		if info == nil {
			continue
		}
		for _, kp := range info.Keyphrases {
			if kp.ID == id {
				return kp.Phrase, true
			}
		}
	}
	return "", false
}

// IsFactoryKeyphrase reports whether phrase belongs to a factory model.
func (r *Registry) IsFactoryKeyphrase(phrase string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factory[phrase]
	return ok
}
