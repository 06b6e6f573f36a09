package csrlogic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"csrd/internal/engineload"
	"csrd/internal/enginemgmt"
	"csrd/internal/fsvisitor"
	"csrd/internal/model"
	"csrd/internal/promptclient"
	"csrd/internal/statebus"
	"csrd/internal/store"
	"csrd/internal/wire"
	"csrd/internal/workerpool"
)

// Remover uninstalls an application package; the platform
// package-manager that performs this is out of scope for this
// repository (specification §1), so Service is handed an interface it
// calls through.
type Remover interface {
	RemovePackage(pkgID string) error
}

// OSRemover removes non-app files directly from disk.
type OSRemover struct{}

func (OSRemover) RemoveFile(path string) error { return os.Remove(path) }

// Service implements the content-screening decision pipeline (C10).
type Service struct {
	Engine     engineload.ContentEngine
	Mgmt       *enginemgmt.Manager
	Store      *store.Store
	Prompt     *promptclient.Client
	Stats      *PromptStats
	Bus        statebus.Bus
	PkgRemover Remover
	Templates  []*regexp.Regexp
	Log        *slog.Logger
}

// checkEnabled implements invariant 5: a disabled engine fails every
// request before the plugin is touched.
func (s *Service) checkEnabled() error {
	enabled, err := s.Mgmt.IsEnabled()
	if err != nil {
		return wire.ErrDB
	}
	if !enabled {
		return wire.ErrEngineDisabled
	}
	return nil
}

// withContext acquires a scoped engine context and invokes fn under
// the CPU-affinity mask sctx.CoreUsage requests (§2, §5's CPU
// budget), restoring the calling thread's affinity before returning.
func (s *Service) withContext(ctx context.Context, sctx model.ScanContext, fn func(ectx engineload.EngineContext) error) error {
	ec, err := engineload.Acquire(ctx, s.Engine)
	if err != nil {
		return wire.ErrEngineNotActivated
	}
	defer ec.Close()
	return workerpool.ApplyCoreUsage(sctx.CoreUsage, func() error {
		return fn(ec.Raw())
	})
}

// resolvePrompt runs the ask-user policy for a freshly produced
// Detected and, on a remove response, performs the removal and
// deletes the history row (§4.7 "User-prompt policy").
func (s *Service) resolvePrompt(sctx model.ScanContext, scope Scope, d *model.Detected) error {
	if !sctx.AskUser {
		d.UserResponse = model.ResponseNotAsked
		return nil
	}
	kind := PromptKindFor(scope, d.Severity)
	resp, err := s.Prompt.AskDetected(kind, sctx.PopupMessage, *d)
	if err != nil {
		return err
	}
	d.UserResponse = resp
	if s.Stats != nil {
		s.Stats.Record(kind, resp)
	}
	if resp != model.ResponseRemove || d.TargetName == "" {
		return nil
	}
	if err := s.remove(*d); err != nil {
		return wire.ErrRemoveFailed
	}
	if err := s.Store.DeleteDetected(d.TargetName); err != nil {
		s.Log.Warn("csrlogic: history row left behind after removal", "path", d.TargetName, "error", err)
	}
	s.Bus.PublishHistoryChanged(d.TargetName)
	return nil
}

func (s *Service) remove(d model.Detected) error {
	if d.IsApp {
		if s.PkgRemover == nil {
			return fmt.Errorf("csrlogic: no package remover configured")
		}
		return s.PkgRemover.RemovePackage(d.PkgID)
	}
	return OSRemover{}.RemoveFile(d.TargetName)
}

func toHistoryRow(d model.Detected, dataVersion string, byCloud bool) model.HistoryRow {
	return model.HistoryRow{Detected: d, DataVersion: dataVersion, ByCloud: byCloud}
}

// canonicalizeOrErr wraps fsvisitor.Canonicalize for use in scan
// entry points.
func canonicalizeOrErr(path string) (string, error) {
	real, err := fsvisitor.Canonicalize(path)
	if err != nil {
		return "", err
	}
	return real, nil
}

func fileModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, wire.ErrFileDoNotExist
		}
		return time.Time{}, wire.ErrFileSystem
	}
	return info.ModTime(), nil
}
