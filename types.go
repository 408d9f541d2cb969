package modules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Tenant identifies the isolated customer scope an operation runs against.
type Tenant struct {
	ID     string
	Domain string
	Name   string
}

// User is a member of a tenant. Roles are resolved through the PermissionStore.
type User struct {
	ID   string
	Name string
}

// ActorRef identifies who/what triggered a lifecycle operation.
type ActorRef struct {
	ID   string
	Type string
}

// TenantDirectory resolves tenants and the users associated with them.
type TenantDirectory interface {
	FindByDomain(ctx context.Context, domain string) (Tenant, error)
	Users(ctx context.Context, db bun.IDB, tenantID string) ([]User, error)
}

// PermissionStore is the role/permission backend the synchronizer reconciles against.
type PermissionStore interface {
	PermissionsByPrefix(ctx context.Context, db bun.IDB, tenantID, prefix string) ([]string, error)
	CreatePermissions(ctx context.Context, db bun.IDB, tenantID string, names ...string) error
	GrantPermissions(ctx context.Context, db bun.IDB, tenantID, userID string, names ...string) error
	AssignRole(ctx context.Context, db bun.IDB, tenantID, userID, role string) error
	UserRoles(ctx context.Context, db bun.IDB, tenantID, userID string) ([]string, error)
}

// PermissionChecker answers whether a user currently holds a permission.
type PermissionChecker interface {
	HasPermission(ctx context.Context, tenantID, userID, permission string) (bool, error)
}

// PermissionCheckerFunc adapts a function to the PermissionChecker interface.
type PermissionCheckerFunc func(ctx context.Context, tenantID, userID, permission string) (bool, error)

// HasPermission implements PermissionChecker.
func (f PermissionCheckerFunc) HasPermission(ctx context.Context, tenantID, userID, permission string) (bool, error) {
	if f == nil {
		return false, nil
	}
	return f(ctx, tenantID, userID, permission)
}

// Translator resolves a translation key for a locale. It never returns an
// empty string for a non empty key.
type Translator interface {
	Translate(locale, key string) string
}

type defLogger struct {
	entry *logrus.Entry
}

func newDefLogger() defLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return defLogger{entry: l.WithField("component", "modules")}
}

// NewLogrusLogger adapts a logrus logger to the Logger interface.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		return newDefLogger()
	}
	return defLogger{entry: l.WithField("component", "modules")}
}

func (d defLogger) Debug(format string, args ...any) {
	d.get().Debugf(trimNewline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	d.get().Infof(trimNewline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	d.get().Warnf(trimNewline(format), args...)
}

func (d defLogger) Error(format string, args ...any) {
	d.get().Errorf(trimNewline(format), args...)
}

func (d defLogger) get() *logrus.Entry {
	if d.entry == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return d.entry
}

func trimNewline(s string) string {
	return strings.TrimRight(s, "\n")
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return nopLogger{}
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return newDefLogger()
	}
	return l
}

func describeTenant(t Tenant) string {
	if t.Domain != "" {
		return fmt.Sprintf("%s (%s)", t.ID, t.Domain)
	}
	return t.ID
}
