package risk

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Stopper answers whether the emergency stop is active. The risk
// manager, retry handler, fallback engine and monitor all consult the
// same instance before acting.
type Stopper interface {
	Stopped() bool
}

// StopperFunc adapts a plain function to the Stopper interface.
type StopperFunc func() bool

func (f StopperFunc) Stopped() bool { return f() }

// FileSentinel is a file-based emergency stop. The stop is active as
// soon as the sentinel file exists; once seen it latches and stays
// active for the life of the process even if the file is removed.
// Removing the file only arms the next process start.
type FileSentinel struct {
	path string
	poll time.Duration

	mu        sync.Mutex
	latched   bool
	lastCheck time.Time
}

// NewFileSentinel creates a sentinel watching path, rechecking the
// filesystem at most once per poll interval.
func NewFileSentinel(path string, poll time.Duration) *FileSentinel {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &FileSentinel{path: path, poll: poll}
}

// Stopped reports whether the emergency stop is active. Filesystem
// checks are rate limited to the poll interval so hot paths can call
// this freely.
func (s *FileSentinel) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latched {
		return true
	}

	now := time.Now()
	if !s.lastCheck.IsZero() && now.Sub(s.lastCheck) < s.poll {
		return false
	}
	s.lastCheck = now

	if _, err := os.Stat(s.path); err == nil {
		s.latched = true
	}
	return s.latched
}

// Trigger latches the stop without touching the filesystem, for
// programmatic activation (daily loss breach, operator command).
func (s *FileSentinel) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latched = true
}

// CreateSentinelFile writes the sentinel so other processes watching
// the same path stop too.
func (s *FileSentinel) CreateSentinelFile(reason string) error {
	s.Trigger()
	content := fmt.Sprintf("emergency stop at %s: %s\n", time.Now().Format(time.RFC3339), reason)
	return os.WriteFile(s.path, []byte(content), 0644)
}

// RemoveSentinelFile deletes the sentinel file. The in-process latch
// stays set; only a restart clears the stop.
func (s *FileSentinel) RemoveSentinelFile() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Path returns the watched sentinel path.
func (s *FileSentinel) Path() string {
	return s.path
}
