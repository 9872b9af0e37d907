package httpmw

import (
	"context"
	"sync"

	"github.com/therealbill/prober/internal/log"
)

type entry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// spyLogger records every call; With returns the spy itself and keeps
// the attached fields.
type spyLogger struct {
	mu      sync.Mutex
	fields  []any
	entries []entry
}

func (s *spyLogger) With(kv ...any) log.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = append(s.fields, kv...)
	return s
}

func (s *spyLogger) add(e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *spyLogger) Debug(_ context.Context, msg string, kv ...any) {
	s.add(entry{level: "debug", msg: msg, kv: kv})
}

func (s *spyLogger) Info(_ context.Context, msg string, kv ...any) {
	s.add(entry{level: "info", msg: msg, kv: kv})
}

func (s *spyLogger) Warn(_ context.Context, msg string, kv ...any) {
	s.add(entry{level: "warn", msg: msg, kv: kv})
}

func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.add(entry{level: "error", msg: msg, err: err, kv: kv})
}

func (s *spyLogger) Sync() error { return nil }

func (s *spyLogger) last() (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

func kvValue(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return kv[i+1], true
		}
	}
	return nil, false
}
