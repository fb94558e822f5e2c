package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/appd/models"
)

// Store is the registry contract the lifecycle manager depends on.
type Store interface {
	List() []models.AppRecord
	Get(id string) (models.AppRecord, error)
	Upsert(record models.AppRecord) error
	Remove(id string) error
	SetEnabled(id string, enabled bool) error
}

// Registry is the single shared collection of installed apps. Readers take
// a read lock; writers are serialized and persist the whole collection
// before the mutation becomes visible.
type Registry struct {
	path string
	log  zerolog.Logger

	mu   sync.RWMutex
	apps []models.AppRecord
}

// Load reads the registry file at path. A missing or unparsable file yields
// an empty registry; the file is created on the first write.
func Load(path string, log zerolog.Logger) *Registry {
	r := &Registry{path: path, log: log}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().Str("path", path).Msg("registry file not found, starting empty")
		return r
	case err != nil:
		log.Warn().Err(err).Str("path", path).Msg("failed to read registry file, starting empty")
		return r
	}

	var apps []models.AppRecord
	if err := json.Unmarshal(data, &apps); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("registry file is not valid, starting empty")
		return r
	}

	seen := make(map[string]bool, len(apps))
	for _, app := range apps {
		id, ok := app.ID()
		if !ok {
			log.Warn().Str("repo", app.Repo).Msg("skipping registry entry with unparseable repo")
			continue
		}
		if seen[id] {
			log.Warn().Str("app_id", id).Msg("skipping duplicate registry entry")
			continue
		}
		seen[id] = true
		r.apps = append(r.apps, app)
	}

	log.Info().Str("path", path).Int("apps", len(r.apps)).Msg("registry loaded")
	return r
}

// Path returns the backing file location.
func (r *Registry) Path() string {
	return r.path
}

// List returns a copy of every record in insertion order.
func (r *Registry) List() []models.AppRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.AppRecord, len(r.apps))
	for i, app := range r.apps {
		out[i] = cloneRecord(app)
	}
	return out
}

// Get returns the record with canonical id id.
func (r *Registry) Get(id string) (models.AppRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(id)
	if i < 0 {
		return models.AppRecord{}, models.NotFound(id)
	}
	return cloneRecord(r.apps[i]), nil
}

// Upsert inserts record or replaces the record with the same canonical id.
func (r *Registry) Upsert(record models.AppRecord) error {
	id, ok := record.ID()
	if !ok {
		return models.InvalidRepo(record.Repo)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := slices.Clone(r.apps)
	if i := r.indexOf(id); i >= 0 {
		next[i] = cloneRecord(record)
	} else {
		next = append(next, cloneRecord(record))
	}
	return r.commit(next)
}

// Remove deletes the record with canonical id id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return models.NotFound(id)
	}
	return r.commit(slices.Delete(slices.Clone(r.apps), i, i+1))
}

// SetEnabled updates the boot flag of the record with canonical id id.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return models.NotFound(id)
	}
	next := slices.Clone(r.apps)
	next[i].Enabled = models.BoolPtr(enabled)
	return r.commit(next)
}

// commit persists next and only then swaps it in. Callers hold mu.
func (r *Registry) commit(next []models.AppRecord) error {
	if err := r.persist(next); err != nil {
		return models.IOError("failed to persist registry", err)
	}
	r.apps = next
	return nil
}

func (r *Registry) indexOf(id string) int {
	return slices.IndexFunc(r.apps, func(app models.AppRecord) bool {
		appID, ok := app.ID()
		return ok && appID == id
	})
}

func (r *Registry) persist(apps []models.AppRecord) error {
	if apps == nil {
		apps = []models.AppRecord{}
	}
	data, err := json.MarshalIndent(apps, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	return WriteFileAtomic(r.path, data, 0o644)
}

// WriteFileAtomic writes data to a temporary file in the target directory,
// syncs it and renames it over path, so readers see either the old or the
// new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename into place: %w", err)
	}

	if parent, err := os.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

func cloneRecord(record models.AppRecord) models.AppRecord {
	if record.Enabled != nil {
		record.Enabled = models.BoolPtr(*record.Enabled)
	}
	return record
}
