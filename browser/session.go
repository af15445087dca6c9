package browser

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Session wraps a Driver with the per-session single-writer lock required by
// spec §5: all tool-dispatched operations serialize against the periodic
// screenshot pump. The pump acquires opportunistically (TryScreenshot) and
// skips a cycle on contention rather than blocking, per spec §9's design
// note; tool dispatch always blocks for the lock since it cannot be skipped.
type Session struct {
	id     string
	driver Driver
	mu     sync.Mutex
	logger *zap.Logger
}

// NewSession wraps driver for id, the owning Run or Automation identifier.
func NewSession(id string, driver Driver, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:     id,
		driver: driver,
		logger: logger.With(zap.String("session_id", id)),
	}
}

// Do runs fn against the driver while holding the session's lock. Every
// tool dispatch and the replay engine's command execution go through this.
func (s *Session) Do(fn func(Driver) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.driver)
}

// TryScreenshot attempts to capture a screenshot without blocking on the
// lock. It returns ok=false if a tool dispatch currently holds the lock —
// the caller (the periodic pump) should simply skip this cycle.
func (s *Session) TryScreenshot(ctx context.Context) (data []byte, ok bool, err error) {
	if !s.mu.TryLock() {
		return nil, false, nil
	}
	defer s.mu.Unlock()
	data, err = s.driver.Screenshot(ctx)
	return data, true, err
}

// Type runs Driver.Type under the session lock. It gives callers that only
// need to type into a field (e.g. the CAPTCHA text/image strategy) a way to
// do so without depending on the wider Tool Set.
func (s *Session) Type(ctx context.Context, fieldMatcher, text string, pressEnter bool) error {
	return s.Do(func(d Driver) error {
		return d.Type(ctx, fieldMatcher, text, pressEnter)
	})
}

// Screenshot runs Driver.Screenshot under the session lock — the
// synchronous, tool-dispatch-path capture used after an action completes,
// as opposed to TryScreenshot's non-blocking pump path.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.Do(func(d Driver) error {
		shot, shotErr := d.Screenshot(ctx)
		data = shot
		return shotErr
	})
	return data, err
}

// Annotate runs the page Annotator under the session lock, highlighting and
// numbering the page's clickable inventory so a vision model can pick a
// target from the resulting screenshot and the Tool Set can resolve a
// numeric identifier back to an element (driver.go's Click contract).
func (s *Session) Annotate(ctx context.Context) ([]Annotation, error) {
	var annotations []Annotation
	err := s.Do(func(d Driver) error {
		ann, annErr := NewAnnotator(d).Annotate(ctx)
		annotations = ann
		return annErr
	})
	return annotations, err
}

// ClearAnnotations strips whatever the last Annotate call injected. Safe to
// call when nothing is annotated.
func (s *Session) ClearAnnotations(ctx context.Context) error {
	return s.Do(func(d Driver) error {
		return NewAnnotator(d).Clear(ctx)
	})
}

// Close closes the underlying driver.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver.Close()
}

// ID returns the Run or Automation id this session's browser is bound to.
func (s *Session) ID() string { return s.id }
