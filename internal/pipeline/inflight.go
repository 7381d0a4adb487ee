package pipeline

import "sync"

// InflightSet tracks the fingerprints currently owned by an executing worker.
// It guards the race between two near-simultaneous uploads of the same file
// before either has committed a result. Acquisition hands back a release
// closure so every exit path (completion, error, timeout) frees the slot.
type InflightSet struct {
	mu  sync.Mutex
	fps map[string]struct{}
}

func NewInflightSet() *InflightSet {
	return &InflightSet{fps: make(map[string]struct{})}
}

// Contains reports whether fingerprint is being processed right now.
func (s *InflightSet) Contains(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fps[fingerprint]
	return ok
}

// TryAcquire claims the fingerprint. The returned release is idempotent and
// must be deferred by the caller.
func (s *InflightSet) TryAcquire(fingerprint string) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.fps[fingerprint]; taken {
		return nil, false
	}
	s.fps[fingerprint] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fps, fingerprint)
			s.mu.Unlock()
		})
	}, true
}

// Len returns the number of in-flight fingerprints.
func (s *InflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fps)
}
