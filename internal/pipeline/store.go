package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Partition is the storage namespace a pipeline's state file lives in.
type Partition string

const (
	PartitionActive    Partition = "active"
	PartitionCompleted Partition = "completed"
)

const (
	stateExt      = ".yaml"
	indexFile     = "index.yaml"
	corruptSuffix = ".corrupted"
)

// PartitionFor returns the partition a pipeline in status s belongs to.
func PartitionFor(s Status) Partition {
	if s.Terminal() {
		return PartitionCompleted
	}
	return PartitionActive
}

// storeIndex is the on-disk index mapping every known pipeline id to its
// current partition.
type storeIndex struct {
	Pipelines map[string]Partition `yaml:"pipelines"`
}

// Store persists pipeline state as one YAML document per pipeline:
//
//	{root}/active/{id}.yaml
//	{root}/completed/{id}.yaml
//	{root}/index.yaml
//
// Every write goes through WriteAtomic, so concurrent saves of the same id
// never leave a torn file. Read-modify-write sequences on one id are not
// serialized here; callers route all operations for an id through one worker.
type Store struct {
	baseDir string
	logger  *zap.Logger
	now     func() time.Time

	mu sync.Mutex // guards index.yaml read-modify-write within this process
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used for quarantine warnings.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string, opts ...StoreOption) *Store {
	s := &Store{baseDir: baseDir, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultStore returns a Store at ~/.stagehand/pipelines, creating the directory if needed.
func DefaultStore(opts ...StoreOption) (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".stagehand", "pipelines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewStore(dir, opts...), nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) partitionDir(p Partition) string {
	return filepath.Join(s.baseDir, string(p))
}

// StatePath returns the state file path for id within partition p.
func (s *Store) StatePath(p Partition, id string) string {
	return filepath.Join(s.partitionDir(p), id+stateExt)
}

func (s *Store) indexPath() string {
	return filepath.Join(s.baseDir, indexFile)
}

// Marshal encodes a pipeline state in the on-disk format.
func Marshal(ps *PipelineState) ([]byte, error) {
	data, err := yaml.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline %s: %w", ps.ID, err)
	}
	return data, nil
}

// Unmarshal decodes a pipeline state from the on-disk format.
func Unmarshal(data []byte) (*PipelineState, error) {
	var ps PipelineState
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, err
	}
	if ps.ID == "" {
		return nil, errors.New("missing pipeline_id")
	}
	if !ps.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", ps.Status)
	}
	return &ps, nil
}

// Save writes ps to its partition. Terminal pipelines are written to the
// completed partition and their active copy is removed. The previous file
// is left untouched if the write fails.
func (s *Store) Save(ps *PipelineState) error {
	if ps == nil {
		return errors.New("save: nil pipeline state")
	}
	if !ValidID(ps.ID) {
		return fmt.Errorf("save: invalid pipeline id %q", ps.ID)
	}

	data, err := Marshal(ps)
	if err != nil {
		return err
	}

	part := PartitionFor(ps.Status)
	if err := WriteAtomic(s.StatePath(part, ps.ID), data); err != nil {
		return fmt.Errorf("write pipeline %s: %w", ps.ID, err)
	}

	if part == PartitionCompleted {
		if err := os.Remove(s.StatePath(PartitionActive, ps.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove active copy of %s: %w", ps.ID, err)
		}
	}

	return s.updateIndex(func(idx *storeIndex) {
		idx.Pipelines[ps.ID] = part
	})
}

// Load reads the state for id. A missing pipeline and an unreadable state
// file both yield ErrNotFound; the unreadable file is renamed with a
// .corrupted suffix first.
func (s *Store) Load(id string) (*PipelineState, error) {
	if !ValidID(id) {
		return nil, NotFoundError(id)
	}

	for _, part := range s.lookupOrder(id) {
		path := s.StatePath(part, id)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read pipeline %s: %w", id, err)
		}

		ps, err := Unmarshal(data)
		if err == nil && ps.ID != id {
			err = fmt.Errorf("file holds pipeline %q", ps.ID)
		}
		if err != nil {
			s.quarantine(path, err)
			_ = s.updateIndex(func(idx *storeIndex) {
				delete(idx.Pipelines, id)
			})
			return nil, NotFoundError(id)
		}
		return ps, nil
	}
	return nil, NotFoundError(id)
}

// lookupOrder returns the partitions to probe for id: the indexed one
// first, then completed before active since a terminal copy is newer.
func (s *Store) lookupOrder(id string) []Partition {
	order := []Partition{PartitionCompleted, PartitionActive}
	idx, err := s.readIndex()
	if err != nil {
		return order
	}
	if part, ok := idx.Pipelines[id]; ok && part == PartitionActive {
		return []Partition{PartitionActive, PartitionCompleted}
	}
	return order
}

// Exists reports whether a readable state file exists for id.
func (s *Store) Exists(id string) bool {
	if !ValidID(id) {
		return false
	}
	for _, part := range []Partition{PartitionActive, PartitionCompleted} {
		if _, err := os.Stat(s.StatePath(part, id)); err == nil {
			return true
		}
	}
	return false
}

// quarantine renames a file that failed to parse so it is kept for
// inspection but never loaded again.
func (s *Store) quarantine(path string, cause error) {
	dest := path + corruptSuffix
	if _, err := os.Stat(dest); err == nil {
		dest = fmt.Sprintf("%s.%d%s", path, s.now().UnixNano(), corruptSuffix)
	}
	if err := os.Rename(path, dest); err != nil {
		s.logger.Error("quarantine state file",
			zap.String("path", path), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	s.logger.Warn("quarantined corrupted state file",
		zap.String("path", path), zap.String("quarantined_as", dest), zap.Error(cause))
}

// ListActive returns all non-terminal pipelines ordered by creation time.
func (s *Store) ListActive() ([]*PipelineState, error) {
	pipelines, err := s.listPartition(PartitionActive)
	if err != nil {
		return nil, err
	}
	sort.Slice(pipelines, func(i, j int) bool {
		if pipelines[i].CreatedAt.Equal(pipelines[j].CreatedAt) {
			return pipelines[i].ID < pipelines[j].ID
		}
		return pipelines[i].CreatedAt.Before(pipelines[j].CreatedAt)
	})
	return pipelines, nil
}

// ListCompleted returns terminal pipelines, most recently updated first.
// A limit <= 0 returns all of them.
func (s *Store) ListCompleted(limit int) ([]*PipelineState, error) {
	pipelines, err := s.listPartition(PartitionCompleted)
	if err != nil {
		return nil, err
	}
	sort.Slice(pipelines, func(i, j int) bool {
		if pipelines[i].UpdatedAt.Equal(pipelines[j].UpdatedAt) {
			return pipelines[i].ID > pipelines[j].ID
		}
		return pipelines[i].UpdatedAt.After(pipelines[j].UpdatedAt)
	})
	if limit > 0 && len(pipelines) > limit {
		pipelines = pipelines[:limit]
	}
	return pipelines, nil
}

func (s *Store) listPartition(part Partition) ([]*PipelineState, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	var pipelines []*PipelineState
	for id, p := range idx.Pipelines {
		if p != part {
			continue
		}
		ps, err := s.Load(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // skip broken entries
			}
			return nil, err
		}
		if PartitionFor(ps.Status) != part {
			continue
		}
		pipelines = append(pipelines, ps)
	}
	return pipelines, nil
}

// Delete removes all state for id.
func (s *Store) Delete(id string) error {
	if !ValidID(id) {
		return NotFoundError(id)
	}
	found := false
	for _, part := range []Partition{PartitionActive, PartitionCompleted} {
		err := os.Remove(s.StatePath(part, id))
		if err == nil {
			found = true
			continue
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("delete pipeline %s: %w", id, err)
		}
	}

	if err := s.updateIndex(func(idx *storeIndex) {
		delete(idx.Pipelines, id)
	}); err != nil {
		return err
	}
	if !found {
		return NotFoundError(id)
	}
	return nil
}

// RebuildIndex rescans both partitions and rewrites index.yaml.
func (s *Store) RebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.rebuildIndexLocked()
	return err
}

func (s *Store) rebuildIndexLocked() (*storeIndex, error) {
	idx := &storeIndex{Pipelines: make(map[string]Partition)}
	// Active first so a leftover active copy never masks a completed one.
	for _, part := range []Partition{PartitionActive, PartitionCompleted} {
		entries, err := os.ReadDir(s.partitionDir(part))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read dir %s: %w", s.partitionDir(part), err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isStateFile(entry.Name()) {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), stateExt)
			if ValidID(id) {
				idx.Pipelines[id] = part
			}
		}
	}
	if err := WriteYAML(s.indexPath(), idx); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}
	return idx, nil
}

func (s *Store) readIndex() (*storeIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndexLocked()
}

// readIndexLocked loads index.yaml, rebuilding it from the partitions when
// it is missing or unreadable.
func (s *Store) readIndexLocked() (*storeIndex, error) {
	var idx storeIndex
	err := ReadYAML(s.indexPath(), &idx)
	switch {
	case err == nil:
		if idx.Pipelines == nil {
			idx.Pipelines = make(map[string]Partition)
		}
		return &idx, nil
	case os.IsNotExist(err):
		return s.rebuildIndexLocked()
	default:
		s.quarantine(s.indexPath(), err)
		return s.rebuildIndexLocked()
	}
}

func (s *Store) updateIndex(fn func(*storeIndex)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	fn(idx)
	if err := WriteYAML(s.indexPath(), idx); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}
