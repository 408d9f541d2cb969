package modules

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AuditQuery filters audit log reads. Empty fields match everything.
type AuditQuery struct {
	TenantID   string
	ModuleName string
	Action     ModuleAction
	Descending bool
	Limit      int
}

// AuditLog is the append only history of module state changes. Entries are
// never updated; the only removal path is PurgeTenant, used when a tenant is
// deleted.
type AuditLog interface {
	Record(ctx context.Context, db bun.IDB, tenantID, moduleName string, action ModuleAction, at time.Time, actor ActorRef) (*LogEntry, error)
	Query(ctx context.Context, db bun.IDB, q AuditQuery) ([]*LogEntry, error)
	PurgeTenant(ctx context.Context, db bun.IDB, tenantID string) (int64, error)
}

type auditLog struct {
	repo repository.Repository[*LogEntry]
}

// NewAuditLog returns the audit log backed by db.
func NewAuditLog(db *bun.DB) AuditLog {
	handlers := repository.ModelHandlers[*LogEntry]{
		NewRecord: func() *LogEntry {
			return &LogEntry{}
		},
		GetID: func(record *LogEntry) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *LogEntry, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "id"
		},
	}
	return &auditLog{repo: repository.NewRepository(db, handlers)}
}

func (a *auditLog) Record(ctx context.Context, db bun.IDB, tenantID, moduleName string, action ModuleAction, at time.Time, actor ActorRef) (*LogEntry, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(moduleName) == "" {
		return nil, NewValidationError("audit entry requires tenant and module", map[string]any{
			"tenant_id": tenantID,
			"module":    moduleName,
		})
	}
	if !action.IsValid() {
		return nil, NewValidationError("unknown audit action", map[string]any{"action": action})
	}
	if at.IsZero() {
		at = time.Now()
	}

	return a.repo.CreateTx(ctx, db, &LogEntry{
		ID:         uuid.New(),
		TenantID:   tenantID,
		ModuleName: moduleName,
		Action:     action,
		ActorID:    actor.ID,
		ActorType:  actor.Type,
		OccurredAt: at.UTC(),
		CreatedAt:  time.Now().UTC(),
	})
}

func (a *auditLog) Query(ctx context.Context, db bun.IDB, q AuditQuery) ([]*LogEntry, error) {
	entries := []*LogEntry{}
	query := db.NewSelect().Model(&entries)

	if q.TenantID != "" {
		query = query.Where("ml.tenant_id = ?", q.TenantID)
	}
	if q.ModuleName != "" {
		query = query.Where("ml.module_name = ?", q.ModuleName)
	}
	if q.Action != "" {
		query = query.Where("ml.action = ?", q.Action)
	}

	if q.Descending {
		query = query.OrderExpr("ml.occurred_at DESC, ml.created_at DESC")
	} else {
		query = query.OrderExpr("ml.occurred_at ASC, ml.created_at ASC")
	}

	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	if err := query.Scan(ctx); err != nil && !isNoRows(err) {
		return nil, err
	}
	return entries, nil
}

func (a *auditLog) PurgeTenant(ctx context.Context, db bun.IDB, tenantID string) (int64, error) {
	res, err := db.NewDelete().
		Model((*LogEntry)(nil)).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
