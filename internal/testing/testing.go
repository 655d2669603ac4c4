// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

// FakeCatalog is an in-memory test double for [catalog.Catalog] that counts lookups
// and can be switched into a failing state.
type FakeCatalog struct {
	mu       sync.Mutex
	formats  map[string]models.Format
	services []models.Service
	lookups  map[string]int
	failWith error
}

// NewFakeCatalog creates an empty FakeCatalog.
func NewFakeCatalog() *FakeCatalog {
	return &FakeCatalog{formats: make(map[string]models.Format), lookups: make(map[string]int)}
}

// AddFormat registers a format.
func (c *FakeCatalog) AddFormat(id string, atRisk bool) *FakeCatalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.formats[id] = models.Format{ID: id, AtRisk: atRisk}
	return c
}

// AddService registers a single-input service. A negative cost registers an unknown cost.
func (c *FakeCatalog) AddService(id, in, out string, shape models.Shape, cost int) *FakeCatalog {
	svc := models.Service{ID: id, Inputs: []string{in}, Output: out, Shape: shape, Kind: models.KindMigration}
	if cost >= 0 {
		svc.Cost = models.KnownCost(cost)
	}
	return c.Add(svc)
}

// Add registers a service.
func (c *FakeCatalog) Add(svc models.Service) *FakeCatalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = append(c.services, svc)
	return c
}

// Fail makes every subsequent call return err wrapped in [shared.ErrCatalogUnavailable].
// A nil err restores normal operation.
func (c *FakeCatalog) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

// Lookups returns how many times LookupServicesAccepting was called for formatID.
func (c *FakeCatalog) Lookups(formatID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups[formatID]
}

func (c *FakeCatalog) err() error {
	if c.failWith == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", shared.ErrCatalogUnavailable, c.failWith)
}

func (c *FakeCatalog) LookupServicesAccepting(ctx context.Context, formatID string) ([]models.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups[formatID]++
	if err := c.err(); err != nil {
		return nil, err
	}
	var out []models.Service
	for _, svc := range c.services {
		if svc.Accepts(formatID) {
			out = append(out, svc)
		}
	}
	return out, nil
}

func (c *FakeCatalog) IsAtRisk(ctx context.Context, formatID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err(); err != nil {
		return false, err
	}
	return c.formats[formatID].AtRisk, nil
}

func (c *FakeCatalog) Format(ctx context.Context, id string) (models.Format, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err(); err != nil {
		return models.Format{}, err
	}
	f, ok := c.formats[id]
	if !ok {
		return models.Format{}, fmt.Errorf("%w: format %s", shared.ErrNotFound, id)
	}
	return f, nil
}

func (c *FakeCatalog) Service(ctx context.Context, id string) (models.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err(); err != nil {
		return models.Service{}, err
	}
	for _, svc := range c.services {
		if svc.ID == id {
			return svc, nil
		}
	}
	return models.Service{}, fmt.Errorf("%w: service %s", shared.ErrNotFound, id)
}

// NewTestLogger returns a debug level logger that discards its output.
//
// Loggers are used by background goroutines that may outlive a test, so output is never
// routed through t.Log.
func NewTestLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.DebugLevel})
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) *LimitedWriter {
	return &LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

// FCloser simulates a failure when reading response body
type FCloser struct{}

func (f *FCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func (f *FCloser) Close() error {
	return nil
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func AssertNoFile(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Errorf("File should not exist: %s", path)
	}
}

func AssertDirExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		t.Errorf("Directory does not exist: %s", path)
		return
	}
	if !info.IsDir() {
		t.Errorf("Path is not a directory: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}

func MustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
}
