// Package trusttest provides trust.Oracle implementations for tests.
package trusttest

import (
	"sync"

	"github.com/tinywall/pipeguard/pkg/trust"
)

// Static returns fixed verdicts per path and records every call
type Static struct {
	mu       sync.Mutex
	verdicts map[string]trust.Verdict
	fallback trust.Verdict
	err      error
	calls    []string
}

var _ trust.Oracle = (*Static)(nil)

// NewStatic returns an oracle answering fallback for paths not in verdicts
func NewStatic(fallback trust.Verdict, verdicts map[string]trust.Verdict) *Static {
	m := make(map[string]trust.Verdict, len(verdicts))
	for k, v := range verdicts {
		m[k] = v
	}
	return &Static{verdicts: m, fallback: fallback}
}

// Failing returns an oracle whose every call fails with err
func Failing(err error) *Static {
	return &Static{err: err, fallback: trust.VerdictInvalid}
}

// Verify implements trust.Oracle
func (s *Static) Verify(path string) (trust.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, path)
	if s.err != nil {
		return trust.VerdictInvalid, s.err
	}
	if v, ok := s.verdicts[path]; ok {
		return v, nil
	}
	return s.fallback, nil
}

// Calls returns the paths passed to Verify, in order
func (s *Static) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
