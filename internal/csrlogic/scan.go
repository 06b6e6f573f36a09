package csrlogic

import (
	"context"

	"csrd/internal/engineload"
	"csrd/internal/fsvisitor"
	"csrd/internal/model"
	"csrd/internal/wire"
)

// ScanData implements "Scan data" (§4.7): invoke the engine directly,
// with no persisted history (data buffers have no stable target
// identity to key a row on).
func (s *Service) ScanData(ctx context.Context, sctx model.ScanContext, data []byte) (*model.Detected, error) {
	if err := s.checkEnabled(); err != nil {
		return nil, err
	}
	var detected *model.Detected
	err := s.withContext(ctx, sctx, func(ectx engineload.EngineContext) error {
		d, scanErr := s.Engine.ScanData(ectx, data)
		if scanErr != nil {
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
	if err := s.resolvePrompt(sctx, ScopeData, detected); err != nil {
		return detected, err
	}
	return detected, nil
}

// ScanFile implements "Scan file" (§4.7).
func (s *Service) ScanFile(ctx context.Context, sctx model.ScanContext, path string) (*model.Detected, error) {
	if err := s.checkEnabled(); err != nil {
		return nil, err
	}
	real, err := canonicalizeOrErr(path)
	if err != nil {
		return nil, err
	}
	if ok, pkgID, pkgRoot := fsvisitor.IsAppRoot(real, s.Templates); ok {
		return s.ScanApp(ctx, sctx, pkgRoot, pkgID)
	}
	return s.scanPlainFile(ctx, sctx, real)
}

func (s *Service) scanPlainFile(ctx context.Context, sctx model.ScanContext, path string) (*model.Detected, error) {
	mtime, err := fileModTime(path)
	if err != nil {
		return nil, err
	}

	dataVersion := s.Engine.GetEngineDataVersion()
	updateTime := s.Engine.GetEngineLatestUpdateTime()

	row, found, err := s.Store.GetDetected(path)
	if err != nil {
		return nil, wire.ErrDB
	}
	if found && row.Ts.Unix() >= updateTime && !mtime.After(row.Ts) {
		// Cached verdict is authoritative (§4.7 step 2).
		if row.IsIgnored {
			return nil, nil
		}
		d := row.Detected
		if err := s.resolvePrompt(sctx, ScopeFile, &d); err != nil {
			return &d, err
		}
		return &d, nil
	}

	var detected *model.Detected
	err = s.withContext(ctx, sctx, func(ectx engineload.EngineContext) error {
		d, scanErr := s.Engine.ScanFile(ectx, path)
		if scanErr != nil {
			return wire.ErrEngineInternal
		}
		detected = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if detected == nil {
		if found {
			if err := s.Store.DeleteDetected(path); err != nil {
				return nil, wire.ErrDB
			}
		}
		return nil, nil
	}

	detected.TargetName = path
	row = toHistoryRow(*detected, dataVersion, false)
	if err := s.Store.UpsertDetected(row); err != nil {
		return nil, wire.ErrDB
	}
	s.Bus.PublishHistoryChanged(path)

	if err := s.resolvePrompt(sctx, ScopeFile, detected); err != nil {
		return detected, err
	}
	return detected, nil
}
