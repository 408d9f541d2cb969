package modules_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/uptrace/bun"

	modules "github.com/goliatone/go-tenant-modules"
)

// MockPermissionStore implements modules.PermissionStore
type MockPermissionStore struct {
	mock.Mock
}

func (m *MockPermissionStore) PermissionsByPrefix(ctx context.Context, db bun.IDB, tenantID, prefix string) ([]string, error) {
	args := m.Called(ctx, db, tenantID, prefix)
	if v := args.Get(0); v != nil {
		return v.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPermissionStore) CreatePermissions(ctx context.Context, db bun.IDB, tenantID string, names ...string) error {
	args := m.Called(ctx, db, tenantID, names)
	return args.Error(0)
}

func (m *MockPermissionStore) GrantPermissions(ctx context.Context, db bun.IDB, tenantID, userID string, names ...string) error {
	args := m.Called(ctx, db, tenantID, userID, names)
	return args.Error(0)
}

func (m *MockPermissionStore) AssignRole(ctx context.Context, db bun.IDB, tenantID, userID, role string) error {
	args := m.Called(ctx, db, tenantID, userID, role)
	return args.Error(0)
}

func (m *MockPermissionStore) UserRoles(ctx context.Context, db bun.IDB, tenantID, userID string) ([]string, error) {
	args := m.Called(ctx, db, tenantID, userID)
	if v := args.Get(0); v != nil {
		return v.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockEnabledChecker implements the manager slice the access guard uses
type MockEnabledChecker struct {
	mock.Mock
}

func (m *MockEnabledChecker) IsEnabled(ctx context.Context, tenant modules.Tenant, name string) (bool, error) {
	args := m.Called(ctx, tenant, name)
	return args.Bool(0), args.Error(1)
}

// MockNavigationPublisher implements modules.NavigationPublisher
type MockNavigationPublisher struct {
	mock.Mock
}

func (m *MockNavigationPublisher) PublishNavigation(ctx context.Context, tenant modules.Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []modules.ModuleStateEvent
}

func (c *capturingPublisher) Publish(_ context.Context, event modules.ModuleStateEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturingPublisher) Events() []modules.ModuleStateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]modules.ModuleStateEvent(nil), c.events...)
}

// testClock returns a time one minute later on every call.
type testClock struct {
	mu   sync.Mutex
	next time.Time
}

func newTestClock() *testClock {
	return &testClock{next: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(time.Minute)
	return now
}

type logLine struct {
	level   string
	message string
}

type captureLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *captureLogger) record(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level: level, message: format})
	_ = args
}

func (l *captureLogger) Debug(format string, args ...any) { l.record("debug", format, args...) }
func (l *captureLogger) Info(format string, args ...any)  { l.record("info", format, args...) }
func (l *captureLogger) Warn(format string, args ...any)  { l.record("warn", format, args...) }
func (l *captureLogger) Error(format string, args ...any) { l.record("error", format, args...) }

func (l *captureLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if line.level == level {
			n++
		}
	}
	return n
}

func mockAny(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = mock.Anything
	}
	return out
}
