package modules

import (
	"context"
	"database/sql"
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeModuleNotFound       = "MODULE_NOT_FOUND"
	TextCodeTenantNotFound       = "TENANT_NOT_FOUND"
	TextCodeActivationNotFound   = "ACTIVATION_NOT_FOUND"
	TextCodeValidation           = "VALIDATION_FAILED"
	TextCodeProvisioningFailed   = "PROVISIONING_FAILED"
	TextCodePermissionSyncFailed = "PERMISSION_SYNC_FAILED"
	TextCodeTransactionFailed    = "TRANSACTION_FAILED"
	TextCodeModuleInUse          = "MODULE_IN_USE"
	TextCodeCoreModuleLocked     = "CORE_MODULE_LOCKED"
)

// NewModuleNotFoundError reports a module that is absent from the catalog or
// not offered by the registry.
func NewModuleNotFoundError(name string) *goerrors.Error {
	return goerrors.New("module "+name+" not found", goerrors.CategoryNotFound).
		WithTextCode(TextCodeModuleNotFound).
		WithCode(goerrors.CodeNotFound).
		WithMetadata(map[string]any{"module": name})
}

// NewTenantNotFoundError reports a tenant lookup miss.
func NewTenantNotFoundError(key string) *goerrors.Error {
	return goerrors.New("tenant "+key+" not found", goerrors.CategoryNotFound).
		WithTextCode(TextCodeTenantNotFound).
		WithCode(goerrors.CodeNotFound).
		WithMetadata(map[string]any{"tenant": key})
}

// NewActivationNotFoundError reports a (tenant, module) pair that was never activated.
func NewActivationNotFoundError(tenantID, module string) *goerrors.Error {
	return goerrors.New("module "+module+" is not attached to tenant "+tenantID, goerrors.CategoryNotFound).
		WithTextCode(TextCodeActivationNotFound).
		WithCode(goerrors.CodeNotFound).
		WithMetadata(map[string]any{"tenant_id": tenantID, "module": module})
}

// NewValidationError reports invalid or missing input.
func NewValidationError(message string, metadata ...map[string]any) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryValidation).
		WithTextCode(TextCodeValidation).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(metadata...)
}

// NewProvisioningError wraps a module migration or seed failure.
func NewProvisioningError(err error, module, step string) *goerrors.Error {
	return newWrapped(err, goerrors.CategoryOperation, "provisioning module "+module+" failed at "+step).
		WithTextCode(TextCodeProvisioningFailed).
		WithCode(goerrors.CodeInternal).
		WithMetadata(map[string]any{"module": module, "step": step})
}

// NewPermissionSyncError wraps a permission store failure.
func NewPermissionSyncError(err error, module string) *goerrors.Error {
	return newWrapped(err, goerrors.CategoryExternal, "permission sync for module "+module+" failed").
		WithTextCode(TextCodePermissionSyncFailed).
		WithCode(502).
		WithMetadata(map[string]any{"module": module})
}

// NewTransactionError wraps a storage failure (begin, statement, commit or rollback).
func NewTransactionError(err error, message string) *goerrors.Error {
	return newWrapped(err, goerrors.CategoryInternal, message).
		WithTextCode(TextCodeTransactionFailed).
		WithCode(goerrors.CodeInternal)
}

// NewModuleInUseError is returned when deleting a module still attached to tenants.
func NewModuleInUseError(name string, tenants int) *goerrors.Error {
	return goerrors.New("module "+name+" is in use by tenants", goerrors.CategoryConflict).
		WithTextCode(TextCodeModuleInUse).
		WithCode(goerrors.CodeConflict).
		WithMetadata(map[string]any{"module": name, "tenants": tenants})
}

// NewCoreModuleLockedError is returned when a core module is removed without force.
func NewCoreModuleLockedError(name string) *goerrors.Error {
	return goerrors.New("module "+name+" is a core module", goerrors.CategoryConflict).
		WithTextCode(TextCodeCoreModuleLocked).
		WithCode(goerrors.CodeConflict).
		WithMetadata(map[string]any{"module": name})
}

// newWrapped always produces a new error owning the given text code, even when
// the source is already a rich error.
func newWrapped(err error, category goerrors.Category, message string) *goerrors.Error {
	if err == nil {
		return goerrors.New(message, category)
	}
	e := goerrors.New(message, category)
	e.Source = err
	return e
}

func IsNotFoundError(err error) bool {
	return goerrors.HasCategory(err, goerrors.CategoryNotFound)
}

func IsValidationError(err error) bool {
	return hasTextCode(err, TextCodeValidation)
}

func IsProvisioningError(err error) bool {
	return hasTextCode(err, TextCodeProvisioningFailed)
}

func IsPermissionSyncError(err error) bool {
	return hasTextCode(err, TextCodePermissionSyncFailed)
}

func IsTransactionError(err error) bool {
	return hasTextCode(err, TextCodeTransactionFailed)
}

func IsConflictError(err error) bool {
	return goerrors.HasCategory(err, goerrors.CategoryConflict)
}

// TextCode returns the text code of the outermost rich error, if any.
func TextCode(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode
	}
	return ""
}

func hasTextCode(err error, code string) bool {
	for err != nil {
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			return false
		}
		if rich.TextCode == code {
			return true
		}
		err = rich.Source
	}
	return false
}

// boundaryError converts whatever escaped a transaction into a typed result.
func boundaryError(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return goerrors.Wrap(err, goerrors.CategoryOperation, message)
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}
	return NewTransactionError(err, message)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
