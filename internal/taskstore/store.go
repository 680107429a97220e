// Package taskstore implements the task store: durable,
// daily-rotated persistence of task records. Each day-bucket is a JSON
// file named "YYYY-MM-DD.json" holding one record per task_id, written
// through atomically (temp file + rename) on every mutation.
package taskstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EsupPortail/esup-runner/internal/domain"
)

var bucketFileRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.json$`)

// Store is the in-memory-cached, disk-backed task store. All reads are
// served from the in-memory index; Put writes through to disk before
// updating that index, so a crash between the two leaves disk as the
// source of truth for the next LoadAll.
type Store struct {
	root string

	mu      sync.RWMutex
	index   map[string]domain.Task            // task_id -> task
	buckets map[string]map[string]domain.Task // day-bucket -> task_id -> task
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task store dir: %w", err)
	}
	return &Store{
		root:    dir,
		index:   make(map[string]domain.Task),
		buckets: make(map[string]map[string]domain.Task),
	}, nil
}

// LoadAll reads every day-bucket file under the store root into memory
// and returns every task found, in no particular order. Corrupt bucket
// files are quarantined (renamed with a ".corrupt" suffix) and logged at
// WARN; other buckets still load.
func (s *Store) LoadAll() ([]domain.Task, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read task store dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Task
	for _, entry := range entries {
		if entry.IsDir() || !bucketFileRe.MatchString(entry.Name()) {
			continue
		}
		bucketKey := strings.TrimSuffix(entry.Name(), ".json")
		path := filepath.Join(s.root, entry.Name())

		bucket, err := s.readBucket(path)
		if err != nil {
			quarantined := path + ".corrupt"
			slog.Warn("quarantining corrupt day-bucket file", "path", path, "error", err)
			if rerr := os.Rename(path, quarantined); rerr != nil {
				slog.Error("failed to quarantine corrupt bucket", "path", path, "error", rerr)
			}
			continue
		}

		s.buckets[bucketKey] = bucket
		for id, task := range bucket {
			s.index[id] = task
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *Store) readBucket(path string) (map[string]domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bucket map[string]domain.Task
	if err := json.Unmarshal(data, &bucket); err != nil {
		return nil, err
	}
	return bucket, nil
}

// Put atomically writes task's entire record into its day-bucket file
// (determined by task.CreatedAt) and updates the in-memory index. A
// task_id lives in exactly one bucket for its entire life: if the caller
// passes the same task_id with a different CreatedAt than a previous
// call (which should never happen, since CreatedAt is fixed), the earlier
// bucket entry is left untouched and a new one is created, since Put
// trusts CreatedAt as the unique routing key.
func (s *Store) Put(task domain.Task) error {
	bucketKey := task.DayBucketKey()

	// Clone before storing: the caller keeps its copy, and the index must
	// not alias the caller's timestamp pointers or Parameters map.
	task = *task.Clone()

	s.mu.Lock()
	bucket, ok := s.buckets[bucketKey]
	if !ok {
		bucket = make(map[string]domain.Task)
	} else {
		// copy-on-write: the bucket map already stored is never mutated in
		// place; the updated copy replaces it below.
		fresh := make(map[string]domain.Task, len(bucket)+1)
		for k, v := range bucket {
			fresh[k] = v
		}
		bucket = fresh
	}
	bucket[task.TaskID] = task
	s.buckets[bucketKey] = bucket
	data, err := json.MarshalIndent(bucket, "", "  ")
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode day-bucket %s: %w", bucketKey, err)
	}

	path := filepath.Join(s.root, bucketKey+".json")
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write day-bucket %s: %w", bucketKey, err)
	}

	s.mu.Lock()
	s.index[task.TaskID] = task
	s.mu.Unlock()
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory as
// path, then renames it over path. Rename is atomic on POSIX filesystems,
// so a crash mid-write never leaves a half-written bucket visible.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Get returns a copy of task_id's record, if known. The copy is deep
// (see domain.Task.Clone), so callers mutating it before a Put can never
// corrupt the index through a shared pointer.
func (s *Store) Get(taskID string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.index[taskID]
	if !ok {
		return domain.Task{}, false
	}
	return *t.Clone(), true
}

// Filter narrows List results. Zero-value fields are unconstrained.
type Filter struct {
	Status   domain.TaskStatus
	TaskType string
	EtabName string
	AppName  string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// Page is a filtered, paginated slice of the task index.
type Page struct {
	Tasks []domain.Task
	Total int
}

// List returns tasks matching filter, sorted by CreatedAt descending
// (newest first), paginated by Limit/Offset.
func (s *Store) List(f Filter) Page {
	s.mu.RLock()
	all := make([]domain.Task, 0, len(s.index))
	for _, t := range s.index {
		all = append(all, *t.Clone())
	}
	s.mu.RUnlock()

	var matched []domain.Task
	for _, t := range all {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.TaskType != "" && t.TaskType != f.TaskType {
			continue
		}
		if f.EtabName != "" && t.EtabName != f.EtabName {
			continue
		}
		if f.AppName != "" && t.AppName != f.AppName {
			continue
		}
		if f.From != nil && t.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && t.CreatedAt.After(*f.To) {
			continue
		}
		matched = append(matched, t)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return Page{Tasks: matched[start:end], Total: total}
}

// DeleteBucketsOlderThan deletes day-bucket files whose date is strictly
// before cutoff (UTC, day granularity). Used by the retention sweep.
// In-memory state for deleted buckets is dropped too, since a task whose
// bucket is gone should no longer be reachable via Get/List.
func (s *Store) DeleteBucketsOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read task store dir: %w", err)
	}

	cutoffDay := cutoff.UTC().Format("2006-01-02")
	deleted := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || !bucketFileRe.MatchString(entry.Name()) {
			continue
		}
		bucketKey := strings.TrimSuffix(entry.Name(), ".json")
		if bucketKey >= cutoffDay {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil {
			return deleted, fmt.Errorf("delete day-bucket %s: %w", bucketKey, err)
		}
		for id := range s.buckets[bucketKey] {
			delete(s.index, id)
		}
		delete(s.buckets, bucketKey)
		deleted++
	}
	return deleted, nil
}
