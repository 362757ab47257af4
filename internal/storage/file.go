package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "ratecore/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl          (append-only JSON Lines, rewritten by Prune)
//   - <prefix>.params.snapshot.json  (periodic snapshot)
//   - <prefix>.params.journal.jsonl  (append-only journal)
//
// The parameter journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsPath string
	eventsFile *os.File
	seq        int64

	paramsSnapshotPath string
	paramsJournalFile  *os.File
	params             map[string]map[string]string
	paramWrites        int
}

const compactEvery = 200

type paramRecord struct {
	Component string `json:"component"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:                log,
		eventsPath:         prefix + ".events.jsonl",
		paramsSnapshotPath: prefix + ".params.snapshot.json",
		params:             map[string]map[string]string{},
	}

	if err := s.scanEvents(func(e EventRecord) bool {
		s.seq = max(s.seq, e.Seq)
		return true
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ef, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.eventsFile = ef

	journalPath := prefix + ".params.journal.jsonl"
	_ = loadParamsSnapshot(s.paramsSnapshotPath, s.params)
	_ = replayParamsJournal(journalPath, s.params)
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}
	s.paramsJournalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.eventsFile != nil {
		errs = append(errs, s.eventsFile.Close())
		s.eventsFile = nil
	}
	if s.paramsJournalFile != nil {
		errs = append(errs, s.paramsJournalFile.Close())
		s.paramsJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendEvent(_ context.Context, e EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.seq++
	e.Seq = s.seq
	return json.NewEncoder(s.eventsFile).Encode(e)
}

func (s *fileStore) Events(ctx context.Context, q Query) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventRecord
	err := s.scanEvents(func(e EventRecord) bool {
		if q.match(e) {
			out = append(out, e)
		}
		return ctx.Err() == nil
	})
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	if err == nil {
		err = ctx.Err()
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, err
}

func (s *fileStore) Prune(_ context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return 0, ErrClosed
	}
	var all []EventRecord
	if err := s.scanEvents(func(e EventRecord) bool {
		all = append(all, e)
		return true
	}); err != nil {
		return 0, err
	}
	seen := map[string]int{}
	kept := make([]EventRecord, len(all))
	n := len(kept)
	for i := len(all) - 1; i >= 0; i-- {
		class := RetentionClass(all[i].Type)
		if seen[class] >= keep {
			continue
		}
		seen[class]++
		n--
		kept[n] = all[i]
	}
	removed := n
	if removed == 0 {
		return 0, nil
	}
	all = kept[n:]

	tmp := s.eventsPath + ".tmp"
	if err := writeJSONLines(tmp, all); err != nil {
		return 0, err
	}
	_ = s.eventsFile.Close()
	s.eventsFile = nil
	if err := os.Rename(tmp, s.eventsPath); err != nil {
		return 0, err
	}
	ef, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, err
	}
	s.eventsFile = ef
	return removed, nil
}

// scanEvents walks the history in append order until fn returns false.
// Undecodable lines (a torn final write) are skipped.
func (s *fileStore) scanEvents(fn func(EventRecord) bool) error {
	f, err := os.Open(s.eventsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e EventRecord
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if !fn(e) {
			break
		}
	}
	return sc.Err()
}

func writeJSONLines(path string, events []EventRecord) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *fileStore) PutParam(_ context.Context, component, key, value string) error {
	component, key = strings.TrimSpace(component), strings.TrimSpace(key)
	if component == "" || key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paramsJournalFile == nil {
		return ErrClosed
	}
	m := s.params[component]
	if m == nil {
		m = map[string]string{}
		s.params[component] = m
	}
	m[key] = value
	if err := json.NewEncoder(s.paramsJournalFile).Encode(paramRecord{Component: component, Key: key, Value: value}); err != nil {
		return err
	}
	s.paramWrites++
	if s.paramWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("params compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Params(_ context.Context, component string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.params[component]))
	for k, v := range s.params[component] {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.paramsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.params); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.paramsSnapshotPath); err != nil {
		return err
	}
	if err := s.paramsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.paramsJournalFile.Seek(0, io.SeekEnd)
	return err
}

func loadParamsSnapshot(path string, out map[string]map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for c, kv := range m {
		out[c] = kv
	}
	return nil
}

func replayParamsJournal(path string, out map[string]map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r paramRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Component == "" || r.Key == "" {
			continue
		}
		if out[r.Component] == nil {
			out[r.Component] = map[string]string{}
		}
		out[r.Component][r.Key] = r.Value
	}
	return sc.Err()
}
