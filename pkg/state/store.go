package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// DefaultCapacity is the number of sessions a MemoryStore keeps
const DefaultCapacity = 256

// ErrSessionNotFound is returned when no snapshot exists for an ID
var ErrSessionNotFound = errors.New("session not found")

// Store persists session snapshots
type Store interface {
	// Save stores the latest snapshot of session
	Save(ctx context.Context, session *ResearchSession) error

	// Load returns the latest snapshot for id
	Load(ctx context.Context, id string) (SessionSnapshot, error)

	// Delete removes the snapshot for id
	Delete(ctx context.Context, id string) error

	// List returns the snapshots matching filter, oldest first
	List(ctx context.Context, filter Filter) ([]SessionSnapshot, error)
}

// Filter selects snapshots in List. Empty fields match everything.
type Filter struct {
	IDs    []string
	Phases []domain.Phase
}

func (f Filter) matches(s SessionSnapshot) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, s.ID) {
		return false
	}
	if len(f.Phases) > 0 && !contains(f.Phases, s.CurrentPhase) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// MemoryStore keeps the latest snapshot per session, evicting the oldest
// session once capacity is reached.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	states   map[string]SessionSnapshot
}

// NewMemoryStore creates a store holding at most capacity sessions
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		states:   make(map[string]SessionSnapshot),
	}
}

// Save implements Store
func (m *MemoryStore) Save(ctx context.Context, session *ResearchSession) error {
	snapshot := session.GetSnapshot()
	if snapshot.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[snapshot.ID]; !exists {
		m.order = append(m.order, snapshot.ID)
		for len(m.order) > m.capacity {
			delete(m.states, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.states[snapshot.ID] = snapshot
	return nil
}

// Load implements Store
func (m *MemoryStore) Load(ctx context.Context, id string) (SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot, exists := m.states[id]
	if !exists {
		return SessionSnapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return snapshot, nil
}

// Delete implements Store
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[id]; !exists {
		return nil
	}
	delete(m.states, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// List implements Store
func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []SessionSnapshot
	for _, id := range m.order {
		if s := m.states[id]; filter.matches(s) {
			results = append(results, s)
		}
	}
	return results, nil
}

// Len returns the number of stored sessions
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// FileStore writes one JSON snapshot per session into a directory
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a file store rooted at baseDir, creating it if needed
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid session ID %q", id)
	}
	return filepath.Join(f.baseDir, id+".json"), nil
}

// Save implements Store
func (f *FileStore) Save(ctx context.Context, session *ResearchSession) error {
	snapshot := session.GetSnapshot()
	path, err := f.path(snapshot.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Load implements Store
func (f *FileStore) Load(ctx context.Context, id string) (SessionSnapshot, error) {
	path, err := f.path(id)
	if err != nil {
		return SessionSnapshot{}, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return readSnapshot(path, id)
}

func readSnapshot(path, id string) (SessionSnapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return SessionSnapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return SessionSnapshot{}, fmt.Errorf("failed to read session: %w", err)
	}

	var snapshot SessionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return SessionSnapshot{}, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return snapshot, nil
}

// Delete implements Store
func (f *FileStore) Delete(ctx context.Context, id string) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List implements Store
func (f *FileStore) List(ctx context.Context, filter Filter) ([]SessionSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session dir: %w", err)
	}

	var results []SessionSnapshot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		snapshot, err := readSnapshot(filepath.Join(f.baseDir, e.Name()), id)
		if err != nil {
			return nil, err
		}
		if filter.matches(snapshot) {
			results = append(results, snapshot)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

// Dump writes the serialized results to path, replacing any previous dump
func Dump(path string, results *domain.SearchResults) error {
	if path == "" {
		return fmt.Errorf("dump path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create dump dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(results.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}
