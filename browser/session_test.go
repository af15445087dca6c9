package browser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu        sync.Mutex
	shots     int
	slowShots bool
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error { return nil }
func (f *fakeDriver) Click(ctx context.Context, target string) error { return nil }
func (f *fakeDriver) Type(ctx context.Context, m, t string, enter bool) error { return nil }
func (f *fakeDriver) Scroll(ctx context.Context, dir string, amount int) error { return nil }
func (f *fakeDriver) Back(ctx context.Context) error { return nil }
func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if f.slowShots {
		time.Sleep(50 * time.Millisecond)
	}
	f.mu.Lock()
	f.shots++
	f.mu.Unlock()
	return []byte("jpeg"), nil
}
func (f *fakeDriver) EvalInPage(ctx context.Context, script string) (any, error) { return "[]", nil }
func (f *fakeDriver) Frames(ctx context.Context) ([]Frame, error)               { return nil, nil }
func (f *fakeDriver) ClickInFrame(ctx context.Context, fs, ts string) error     { return nil }
func (f *fakeDriver) EvalInFrame(ctx context.Context, fs, script string) (any, error) {
	return nil, nil
}
func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error)            { return "", nil }
func (f *fakeDriver) Close() error                                              { return nil }

func TestSession_DoSerializesAccess(t *testing.T) {
	driver := &fakeDriver{}
	session := NewSession("run-1", driver, nil)

	err := session.Do(func(d Driver) error {
		return d.Navigate(context.Background(), "https://example.com")
	})
	require.NoError(t, err)
}

func TestSession_TryScreenshotSkipsOnContention(t *testing.T) {
	driver := &fakeDriver{slowShots: true}
	session := NewSession("run-2", driver, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = session.Do(func(d Driver) error {
			_, err := d.Screenshot(context.Background())
			return err
		})
	}()

	time.Sleep(5 * time.Millisecond) // let Do grab the lock first
	_, ok, err := session.TryScreenshot(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "pump should skip the cycle while tool dispatch holds the lock")

	wg.Wait()
}

func TestSession_ID(t *testing.T) {
	session := NewSession("automation-9", &fakeDriver{}, nil)
	assert.Equal(t, "automation-9", session.ID())
}

func TestSession_AnnotateAndClearAnnotations(t *testing.T) {
	session := NewSession("run-3", &fakeDriver{}, nil)

	annotations, err := session.Annotate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, annotations) // fakeDriver's EvalInPage returns an empty inventory

	require.NoError(t, session.ClearAnnotations(context.Background()))
}
