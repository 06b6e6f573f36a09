package csrlogic

import (
	"os"

	"csrd/internal/model"
	"csrd/internal/wire"
)

// Judge implements "Judge" (§4.7) and the Open Question resolution in
// §9: remove, ignore, or unignore a judged target.
//
// targetName is the caller-supplied name; it is required for removal
// of a non-app target, and whenever supplied it must agree with the
// stored row's path. A mismatch — or a removal attempt on a target
// whose on-disk mtime has moved since it was recorded — is reported
// as FILE_CHANGED rather than guessed at.
func (s *Service) Judge(path string, action wire.JudgeAction, targetName string) error {
	row, found, err := s.Store.GetDetected(path)
	if err != nil {
		return wire.ErrDB
	}
	if !found {
		return wire.ErrInvalidParameter
	}
	if targetName != "" && targetName != row.TargetName {
		return wire.ErrFileChanged
	}

	switch action {
	case wire.JudgeIgnore:
		if err := s.Store.SetIgnored(path, true); err != nil {
			return wire.ErrDB
		}
		return nil

	case wire.JudgeUnignore:
		if err := s.Store.SetIgnored(path, false); err != nil {
			return wire.ErrDB
		}
		return nil

	case wire.JudgeRemove:
		if !row.IsApp && targetName == "" {
			return wire.ErrInvalidParameter
		}
		return s.judgeRemove(row)

	default:
		return wire.ErrInvalidParameter
	}
}

// judgeRemove verifies the target is unchanged since it was recorded,
// removes it, and deletes the history row.
func (s *Service) judgeRemove(row model.HistoryRow) error {
	if !row.IsApp {
		mtime, err := fileModTime(row.TargetName)
		if err != nil {
			return err
		}
		if mtime.After(row.Ts) {
			return wire.ErrFileChanged
		}
	}

	if err := s.remove(row.Detected); err != nil {
		if os.IsNotExist(err) {
			if delErr := s.Store.DeleteDetected(row.TargetName); delErr != nil {
				return wire.ErrDB
			}
			return nil
		}
		return wire.ErrRemoveFailed
	}

	if err := s.Store.DeleteDetected(row.TargetName); err != nil {
		return wire.ErrDB
	}
	s.Bus.PublishHistoryChanged(row.TargetName)
	return nil
}
