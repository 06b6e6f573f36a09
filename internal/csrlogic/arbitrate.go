package csrlogic

import (
	"context"
	"time"

	"csrd/internal/engineload"
	"csrd/internal/fsvisitor"
	"csrd/internal/model"
	"csrd/internal/store"
	"csrd/internal/wire"
)

// ScanApp implements "Scan app" (§4.7): cloud scan when requested and
// supported, otherwise a delta scan of the package tree followed by
// arbitration across pre-walk history, post-walk history, and the
// riskiest result of the walk itself.
func (s *Service) ScanApp(ctx context.Context, sctx model.ScanContext, pkgRoot, pkgID string) (*model.Detected, error) {
	if sctx.ScanOnCloud && s.Engine.SupportsCloudScan() {
		return s.scanAppOnCloud(ctx, sctx, pkgRoot, pkgID)
	}

	dataVersion := s.Engine.GetEngineDataVersion()
	if err := s.Store.DeleteDeprecated(pkgRoot, dataVersion); err != nil {
		return nil, wire.ErrDB
	}
	walkStart := time.Now()

	historyRow, hasHistory, err := s.appWorstRow(pkgID)
	if err != nil {
		return nil, err
	}

	lastScan, _, err := s.Store.GetScanTime(pkgRoot, dataVersion)
	if err != nil {
		return nil, wire.ErrDB
	}

	var riskiest *model.Detected
	err = fsvisitor.Walk(pkgRoot, lastScan, s.Templates, func(f fsvisitor.File) bool {
		if f.IsDir {
			return true
		}
		var detected *model.Detected
		scanErr := s.withContext(ctx, sctx, func(ectx engineload.EngineContext) error {
			d, err := s.Engine.ScanFile(ectx, f.Path)
			if err != nil {
				return wire.ErrEngineInternal
			}
			detected = d
			return nil
		})
		if scanErr != nil {
			return true // per-target engine failure does not abort the walk
		}
		if detected == nil {
			_ = s.Store.DeleteDetected(f.Path)
			return true
		}
		detected.TargetName = f.Path
		detected.IsApp = true
		detected.PkgID = pkgID
		detected.FileInAppPath = f.Path
		_ = s.Store.UpsertDetected(toHistoryRow(*detected, dataVersion, false))
		if riskiest == nil || detected.Severity >= riskiest.Severity {
			riskiest = detected
		}
		return true
	})
	if err != nil {
		return nil, wire.ErrFileSystem
	}
	if err := s.Store.SetScanTime(pkgRoot, dataVersion, walkStart); err != nil {
		return nil, wire.ErrDB
	}

	afterRow, hasAfter, err := s.appWorstRow(pkgID)
	if err != nil {
		return nil, err
	}

	winner, shouldPrompt, err := s.arbitrate(pkgID, pkgRoot, historyRow, hasHistory, afterRow, hasAfter, riskiest)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, nil
	}
	if !shouldPrompt {
		return winner, nil
	}
	if err := s.resolvePrompt(sctx, ScopeApp, winner); err != nil {
		return winner, err
	}
	return winner, nil
}

// appWorstRow reads the pkg-worst pointer and, if present, its
// backing history row (including the ignored flag, which the "reuse
// old" branches of the arbitration table consult).
func (s *Service) appWorstRow(pkgID string) (*model.HistoryRow, bool, error) {
	worst, ok, err := s.Store.GetWorst(pkgID)
	if err != nil {
		return nil, false, wire.ErrDB
	}
	if !ok {
		return nil, false, nil
	}
	row, found, err := s.Store.GetDetected(worst.FileInAppPath)
	if err != nil {
		return nil, false, wire.ErrDB
	}
	if !found {
		return nil, false, nil
	}
	return &row, true, nil
}

// arbitrate implements the state table in §4.7 "Scan app". Returns
// the winning detection (nil if OK/none), and whether the caller
// still needs to run the ask-user prompt on it (true for every
// returned winner; branches that land on an ignored row return no
// winner).
func (s *Service) arbitrate(pkgID, pkgRoot string, history *model.HistoryRow, hasHistory bool, after *model.HistoryRow, hasAfter bool, riskiest *model.Detected) (*model.Detected, bool, error) {
	switch {
	case hasHistory && hasAfter && riskiest != nil && riskiest.Severity >= after.Severity:
		if err := s.promoteWorst(pkgID, *riskiest); err != nil {
			return nil, false, err
		}
		if err := s.Store.SetIgnored(riskiest.TargetName, false); err != nil {
			return nil, false, wire.ErrDB
		}
		return riskiest, true, nil

	case hasHistory && hasAfter && riskiest != nil && riskiest.Severity < after.Severity:
		if after.IsIgnored {
			return nil, false, nil
		}
		old := after.Detected
		return &old, true, nil

	case hasHistory && hasAfter && riskiest == nil:
		if after.IsIgnored {
			return nil, false, nil
		}
		old := after.Detected
		return &old, true, nil

	case hasHistory && !hasAfter && riskiest != nil:
		worstRemaining, found, err := s.worstRemainingPerFile(pkgRoot)
		if err != nil {
			return nil, false, err
		}
		winner := riskiest
		if found && worstRemaining.Severity > riskiest.Severity {
			winner = worstRemaining
		}
		if err := s.promoteWorst(pkgID, *winner); err != nil {
			return nil, false, err
		}
		if err := s.Store.SetIgnored(winner.TargetName, false); err != nil {
			return nil, false, wire.ErrDB
		}
		return winner, true, nil

	case hasHistory && !hasAfter && riskiest == nil:
		worstRemaining, found, err := s.worstRemainingPerFile(pkgRoot)
		if err != nil {
			return nil, false, err
		}
		if found {
			if err := s.promoteWorst(pkgID, *worstRemaining); err != nil {
				return nil, false, err
			}
			return worstRemaining, true, nil
		}
		if err := s.Store.DeleteWorst(pkgID); err != nil {
			return nil, false, wire.ErrDB
		}
		return nil, false, nil

	case !hasHistory && riskiest != nil:
		if err := s.promoteWorst(pkgID, *riskiest); err != nil {
			return nil, false, err
		}
		return riskiest, true, nil

	default: // !hasHistory && !hasAfter && riskiest == nil
		return nil, false, nil
	}
}

func (s *Service) promoteWorst(pkgID string, d model.Detected) error {
	return s.Store.UpsertWorst(store.WorstEntry{PkgID: pkgID, Name: d.MalwareName, FileInAppPath: d.TargetName})
}

// worstRemainingPerFile finds the riskiest surviving per-file row
// under pkgRoot, used by the "history present, post-walk row gone"
// branches of the table.
func (s *Service) worstRemainingPerFile(pkgRoot string) (*model.Detected, bool, error) {
	rows, err := s.Store.ListDetected(pkgRoot)
	if err != nil {
		return nil, false, wire.ErrDB
	}
	var best *model.Detected
	for i := range rows {
		d := rows[i].Detected
		if best == nil || d.Severity > best.Severity {
			best = &d
		}
	}
	return best, best != nil, nil
}

func (s *Service) scanAppOnCloud(ctx context.Context, sctx model.ScanContext, pkgRoot, pkgID string) (*model.Detected, error) {
	var detected *model.Detected
	err := s.withContext(ctx, sctx, func(ectx engineload.EngineContext) error {
		d, err := s.Engine.ScanAppOnCloud(ectx, pkgRoot)
		if err != nil {
			return wire.ErrEngineInternal
		}
		detected = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if detected == nil {
		return nil, nil
	}
	detected.TargetName = pkgRoot
	detected.IsApp = true
	detected.PkgID = pkgID
	if err := s.Store.UpsertDetected(toHistoryRow(*detected, s.Engine.GetEngineDataVersion(), true)); err != nil {
		return nil, wire.ErrDB
	}
	if err := s.promoteWorst(pkgID, *detected); err != nil {
		return nil, err
	}
	if err := s.resolvePrompt(sctx, ScopeApp, detected); err != nil {
		return detected, err
	}
	return detected, nil
}
