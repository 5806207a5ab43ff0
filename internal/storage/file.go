package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "campaignq/pkg/logx"
)

// fileStore keeps everything under one path prefix:
//   - <prefix>.lock                  (flock held while open for writing)
//   - <prefix>.counters.json         (replaced atomically on every save)
//   - <prefix>.audit.jsonl           (append-only)
//   - <prefix>.items.snapshot.json   + <prefix>.items.journal.jsonl
//   - <prefix>.dedup.snapshot.json   + <prefix>.dedup.journal.jsonl
//
// Journals are compacted into their snapshot every compactEvery writes and
// on Close. Only one process may open the store for writing; a read-only
// open takes no lock and never writes or compacts.
type fileStore struct {
	log logx.Logger

	mu       sync.Mutex
	closed   bool
	readOnly bool

	countersPath string
	lockFile     *os.File
	auditFile    *os.File
	items        *journalMap
	dedup        *journalMap
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	s := &fileStore{log: log, readOnly: cfg.ReadOnly, countersPath: prefix + ".counters.json"}
	if cfg.ReadOnly {
		var err error
		if s.items, err = loadJournalMap(prefix + ".items"); err != nil {
			return nil, err
		}
		if s.dedup, err = loadJournalMap(prefix + ".dedup"); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lf, err := os.OpenFile(prefix+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(lf); err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("file store %s: %w", prefix, err)
	}
	s.lockFile = lf

	if s.auditFile, err = os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.items, err = openJournalMap(prefix+".items", log); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.dedup, err = openJournalMap(prefix+".dedup", log); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.dedup.prune(func(raw json.RawMessage) bool {
		var until time.Time
		return json.Unmarshal(raw, &until) == nil && until.Before(time.Now())
	})
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
	}
	if s.items != nil {
		errs = append(errs, s.items.close())
	}
	if s.dedup != nil {
		errs = append(errs, s.dedup.close())
	}
	// Last, so no other writer starts before the journals are compacted.
	if s.lockFile != nil {
		errs = append(errs, s.lockFile.Close())
	}
	return errors.Join(errs...)
}

// writable is checked under s.mu by every write.
func (s *fileStore) writable() error {
	switch {
	case s.closed:
		return ErrClosed
	case s.readOnly:
		return ErrReadOnly
	}
	return nil
}

func (s *fileStore) LoadCounters(ctx context.Context) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Counters{}, ErrClosed
	}
	b, err := os.ReadFile(s.countersPath)
	if errors.Is(err, os.ErrNotExist) {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, err
	}
	var c Counters
	if err := json.Unmarshal(b, &c); err != nil {
		return Counters{}, fmt.Errorf("decode %s: %w", s.countersPath, err)
	}
	return c, nil
}

func (s *fileStore) SaveCounters(ctx context.Context, c Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	return writeFileAtomic(s.countersPath, c)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutItems(ctx context.Context, items []ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	for _, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			return err
		}
		if err := s.items.put(it.ID, raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) DeleteItems(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.items.del(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) LoadItems(ctx context.Context) ([]ItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]ItemRecord, 0, len(s.items.m))
	for id, raw := range s.items.m {
		var it ItemRecord
		if err := json.Unmarshal(raw, &it); err != nil {
			s.log.Warn("skipping undecodable item", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, it)
	}
	sortItems(out)
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	raw, err := json.Marshal(until)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	return s.dedup.put(key, raw)
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	raw, ok := s.dedup.m[key]
	if !ok {
		return time.Time{}, false, nil
	}
	var until time.Time
	if err := json.Unmarshal(raw, &until); err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

// journalMap is a string-keyed map persisted as snapshot + append-only journal.
type journalMap struct {
	log          logx.Logger
	snapshotPath string
	journal      *os.File
	m            map[string]json.RawMessage
	writes       int
}

type journalRecord struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// loadJournalMap reads snapshot and journal without opening anything for
// writing. A torn last journal line from a concurrent writer is skipped.
func loadJournalMap(prefix string) (*journalMap, error) {
	j := &journalMap{
		log:          logx.Nop(),
		snapshotPath: prefix + ".snapshot.json",
		m:            map[string]json.RawMessage{},
	}
	if err := j.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := j.replay(prefix + ".journal.jsonl"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return j, nil
}

func openJournalMap(prefix string, log logx.Logger) (*journalMap, error) {
	j, err := loadJournalMap(prefix)
	if err != nil {
		return nil, err
	}
	j.log = log
	f, err := os.OpenFile(prefix+".journal.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.journal = f
	return j, nil
}

func (j *journalMap) put(key string, v json.RawMessage) error {
	j.m[key] = v
	return j.append(journalRecord{Key: key, Value: v})
}

func (j *journalMap) del(key string) error {
	if _, ok := j.m[key]; !ok {
		return nil
	}
	delete(j.m, key)
	return j.append(journalRecord{Key: key, Deleted: true})
}

func (j *journalMap) prune(expired func(json.RawMessage) bool) {
	for k, v := range j.m {
		if expired(v) {
			delete(j.m, k)
		}
	}
}

func (j *journalMap) append(r journalRecord) error {
	if err := json.NewEncoder(j.journal).Encode(r); err != nil {
		return err
	}
	j.writes++
	if j.writes%compactEvery == 0 {
		if err := j.compact(); err != nil {
			j.log.Debug("journal compact failed", logx.String("snapshot", j.snapshotPath), logx.Err(err))
		}
	}
	return nil
}

func (j *journalMap) compact() error {
	if err := writeFileAtomic(j.snapshotPath, j.m); err != nil {
		return err
	}
	if err := j.journal.Truncate(0); err != nil {
		return err
	}
	_, err := j.journal.Seek(0, 2)
	return err
}

func (j *journalMap) loadSnapshot() error {
	f, err := os.Open(j.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(&j.m)
}

func (j *journalMap) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		if r.Deleted {
			delete(j.m, r.Key)
			continue
		}
		j.m[r.Key] = r.Value
	}
	return sc.Err()
}

func (j *journalMap) close() error {
	if j.journal == nil {
		return nil
	}
	// Leave a compact snapshot behind so the next boot replays nothing.
	if err := j.compact(); err != nil {
		j.log.Debug("journal compact on close failed", logx.Err(err))
	}
	err := j.journal.Close()
	j.journal = nil
	return err
}

func writeFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
