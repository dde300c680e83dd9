package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "fwcore/pkg/logx"
)

// fileStore appends events to a JSON Lines file and answers queries from
// the newest MaxEvents entries kept in memory. When the file grows past
// twice the retention it is rewritten with the retained tail.
type fileStore struct {
	log  logx.Logger
	path string
	max  int

	mu      sync.Mutex
	f       *os.File
	tail    []Event
	written int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	tail, total, err := loadEvents(path, cfg.MaxEvents)
	if err != nil {
		return nil, err
	}
	if total > len(tail) {
		log.Debug("event log truncated on load", logx.Int("kept", len(tail)), logx.Int("total", total))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, max: cfg.MaxEvents, f: f, tail: tail, written: total}, nil
}

// loadEvents reads the newest max events. Corrupt lines are skipped.
func loadEvents(path string, max int) ([]Event, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		out   []Event
		total int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Event
		if json.Unmarshal([]byte(line), &e) != nil {
			continue
		}
		total++
		out = append(out, e)
		if len(out) > max {
			out = out[len(out)-max:]
		}
	}
	return out, total, sc.Err()
}

func (s *fileStore) AppendEvent(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e = normalize(e)
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("event log closed")
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return err
	}
	s.tail = append(s.tail, e)
	if len(s.tail) > s.max {
		s.tail = s.tail[len(s.tail)-s.max:]
	}
	s.written++
	if s.written >= 2*s.max {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("event log compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range s.tail {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.written = len(s.tail)
	return nil
}

func (s *fileStore) RecentEvents(ctx context.Context, module string, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, min(limit, len(s.tail)))
	for i := len(s.tail) - 1; i >= 0 && len(out) < limit; i-- {
		if module == "" || s.tail[i].Module == module {
			out = append(out, s.tail[i])
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
