// Package engineload loads vendor detection engines as Go plugins and
// exposes them through a uniform capability interface, the same way
// claircore's libvuln package resolves matcher/enricher/updater
// plugins by a fixed entrypoint symbol name.
package engineload

import (
	"context"
	"fmt"

	"csrd/internal/model"
)

// Entrypoint names a fixed package-level symbol a plugin must export.
const (
	ContentEngineEntrypoint = "ContentEngine"
	WebEngineEntrypoint     = "WebEngine"
)

// EngineHandle is the process-lifetime subset of the capability
// vector every engine kind exposes (§4.5).
type EngineHandle interface {
	GlobalInit(roResDir, rwWorkDir string) error
	GlobalDeinit() error
	ContextCreate(ctx context.Context) (EngineContext, error)
	GetEngineVendor() string
	GetEngineName() string
	GetEngineVersion() string
	GetEngineDataVersion() string
	GetEngineLatestUpdateTime() int64
	GetEngineActivated() bool
	GetErrorString(code int32) string
}

// EngineContext is the per-request context handle; Close must be
// called on every exit path (the scoped holder in Acquire
// guarantees this).
type EngineContext interface {
	Close() error
}

// ContentEngine is the capability vector for malware-detection
// engines.
type ContentEngine interface {
	EngineHandle
	ScanData(ectx EngineContext, data []byte) (*model.Detected, error)
	ScanFile(ectx EngineContext, path string) (*model.Detected, error)
	ScanAppOnCloud(ectx EngineContext, appRoot string) (*model.Detected, error)
	SupportsCloudScan() bool
}

// WebEngine is the capability vector for URL risk-assessment engines.
type WebEngine interface {
	EngineHandle
	CheckURL(ectx EngineContext, url string) (model.RiskLevel, string, error)
}

// Context is the scoped holder guaranteeing ContextDestroy runs on
// every exit path (§4.5, §9 "shared vs owned detection records").
type Context struct {
	inner EngineContext
}

// Close releases the underlying engine context.
func (c *Context) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes the underlying plugin context for capability calls.
func (c *Context) Raw() EngineContext { return c.inner }

// Acquire creates a scoped per-request engine context. Callers must
// defer the returned value's Close.
func Acquire(ctx context.Context, h EngineHandle) (*Context, error) {
	inner, err := h.ContextCreate(ctx)
	if err != nil {
		return nil, fmt.Errorf("engineload: context_create: %w", err)
	}
	return &Context{inner: inner}, nil
}
