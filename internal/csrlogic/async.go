package csrlogic

import (
	"context"
	"os"
	"time"

	"csrd/internal/engineload"
	"csrd/internal/fsvisitor"
	"csrd/internal/model"
	"csrd/internal/wire"
)

// AsyncEvent is one streamed result from a running async scan job
// (§4.7, §7): a per-target verdict or the terminal COMPLETE marker.
type AsyncEvent struct {
	Event    wire.EventID
	Target   string
	Detected *model.Detected
	Err      wire.ErrorCode
}

// EventSink receives async events in order. A returned error aborts
// the job (used by the dispatcher when the connection write fails).
type EventSink func(AsyncEvent) error

// ScanFilesAsync implements "Scan files (async)" (§4.7): each path is
// scanned independently through the same logic as "Scan file",
// streaming one event per target. Per-target non-fatal errors (§6's
// IsFatalAsync) do not abort the stream; anything else does.
func (s *Service) ScanFilesAsync(ctx context.Context, sctx model.ScanContext, paths []string, stop <-chan struct{}, sink EventSink) error {
	if err := s.checkEnabled(); err != nil {
		return err
	}
	for _, p := range paths {
		select {
		case <-stop:
			return sink(AsyncEvent{Event: wire.EventComplete})
		default:
		}

		detected, err := s.ScanFile(ctx, sctx, p)
		ev, emit, fatal, fatalErr := s.asyncResult(sctx, p, detected, err)
		if fatal {
			return fatalErr
		}
		if emit {
			if err := sink(ev); err != nil {
				return err
			}
		}
	}
	return sink(AsyncEvent{Event: wire.EventComplete})
}

// ScanDirAsync implements "Scan dir (async)": a non-recursive-in-name
// but actually recursive delta walk of dir (§4.4's delta-scan
// semantics generalized beyond app packages), re-emitting carry-over
// verdicts for previously detected files that still exist but were
// not touched by this walk (unmodified since the last scan of dir).
func (s *Service) ScanDirAsync(ctx context.Context, sctx model.ScanContext, dir string, stop <-chan struct{}, sink EventSink) error {
	if err := s.checkEnabled(); err != nil {
		return err
	}
	if err := s.scanDirAsyncInner(ctx, sctx, dir, stop, sink); err != nil {
		return err
	}
	return sink(AsyncEvent{Event: wire.EventComplete})
}

// ScanDirsAsync implements "Scan dirs (async)": each directory is
// delta-scanned in turn over the same event stream, stopping early if
// cancelled between directories.
func (s *Service) ScanDirsAsync(ctx context.Context, sctx model.ScanContext, dirs []string, stop <-chan struct{}, sink EventSink) error {
	if err := s.checkEnabled(); err != nil {
		return err
	}
	for _, dir := range dirs {
		select {
		case <-stop:
			return sink(AsyncEvent{Event: wire.EventComplete})
		default:
		}
		if err := s.scanDirAsyncInner(ctx, sctx, dir, stop, sink); err != nil {
			return err
		}
	}
	return sink(AsyncEvent{Event: wire.EventComplete})
}

func (s *Service) scanDirAsyncInner(ctx context.Context, sctx model.ScanContext, dir string, stop <-chan struct{}, sink EventSink) error {
	real, err := canonicalizeOrErr(dir)
	if err != nil {
		return err
	}

	dataVersion := s.Engine.GetEngineDataVersion()
	if err := s.Store.DeleteDeprecated(real, dataVersion); err != nil {
		return wire.ErrDB
	}
	lastScan, _, err := s.Store.GetScanTime(real, dataVersion)
	if err != nil {
		return wire.ErrDB
	}
	walkStart := time.Now()
	touched := make(map[string]bool)

	cancelled := false
	var fatalErr error
	walkErr := fsvisitor.Walk(real, lastScan, s.Templates, func(f fsvisitor.File) bool {
		select {
		case <-stop:
			cancelled = true
			return false
		default:
		}
		if f.IsDir {
			return true
		}
		touched[f.Path] = true

		var detected *model.Detected
		scanErr := s.withContext(ctx, sctx, func(ectx engineload.EngineContext) error {
			d, err := s.Engine.ScanFile(ectx, f.Path)
			if err != nil {
				return wire.ErrEngineInternal
			}
			detected = d
			return nil
		})
		ev, emit, done, sendErr := s.asyncResult(sctx, f.Path, detected, scanErr)
		if done {
			fatalErr = sendErr
			return false
		}
		if detected != nil {
			detected.TargetName = f.Path
			_ = s.Store.UpsertDetected(toHistoryRow(*detected, dataVersion, false))
			s.resolvePromptBestEffort(sctx, ScopeFile, detected)
			ev.Detected = detected
		} else {
			_ = s.Store.DeleteDetected(f.Path)
		}
		if emit {
			if err := sink(ev); err != nil {
				fatalErr = err
				return false
			}
		}
		return true
	})
	if fatalErr != nil {
		return fatalErr
	}
	if walkErr != nil {
		return wire.ErrFileSystem
	}
	if cancelled {
		return nil
	}

	rows, err := s.Store.ListDetected(real)
	if err != nil {
		return wire.ErrDB
	}
	for _, row := range rows {
		if touched[row.TargetName] {
			continue
		}
		if _, err := os.Stat(row.TargetName); err != nil {
			_ = s.Store.DeleteDetected(row.TargetName)
			continue
		}
		d := row.Detected
		if err := sink(AsyncEvent{Event: wire.EventMalwareDetected, Target: d.TargetName, Detected: &d}); err != nil {
			return err
		}
	}

	if err := s.Store.SetScanTime(real, dataVersion, walkStart); err != nil {
		return wire.ErrDB
	}
	return nil
}

// asyncResult turns a scan outcome into an event. The done flag
// reports that the caller should stop (a fatal error occurred); for
// per-target errors that per §6 are not fatal to the stream, it
// returns an event carrying the error code and done=false. The emit
// flag reports whether the caller should sink the event at all: a
// clean target only produces MALWARE_NONE when the caller has a
// scanned-file callback registered (§4.7's async pseudocode, "else if
// scanned-callback subscribed: send MALWARE_NONE"); otherwise a clean
// target is silently skipped rather than streamed.
func (s *Service) asyncResult(sctx model.ScanContext, target string, detected *model.Detected, err error) (ev AsyncEvent, emit bool, done bool, doneErr error) {
	if err != nil {
		code := wire.CodeOf(err)
		if !wire.IsFatalAsync(err) {
			return AsyncEvent{Event: wire.EventMalwareNone, Target: target, Err: code}, true, false, nil
		}
		return AsyncEvent{}, false, true, err
	}
	if detected == nil {
		if !sctx.IsScannedCBRegistered {
			return AsyncEvent{}, false, false, nil
		}
		return AsyncEvent{Event: wire.EventMalwareNone, Target: target}, true, false, nil
	}
	return AsyncEvent{Event: wire.EventMalwareDetected, Target: target, Detected: detected}, true, false, nil
}

// resolvePromptBestEffort runs the ask-user policy inline during a
// walk callback, where a prompt failure must not abort the whole
// directory scan; it only logs.
func (s *Service) resolvePromptBestEffort(sctx model.ScanContext, scope Scope, d *model.Detected) {
	if err := s.resolvePrompt(sctx, scope, d); err != nil {
		s.Log.Warn("csrlogic: prompt resolution failed during async scan", "target", d.TargetName, "error", err)
	}
}
