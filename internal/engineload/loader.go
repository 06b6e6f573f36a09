package engineload

import (
	"fmt"
	"log/slog"
	"plugin"

	"csrd/internal/model"
	"csrd/internal/wire"
)

// Loader opens vendor engine plugins by path and resolves their
// entrypoint symbol, grounded on quay-claircore/libvuln/plugin.go's
// plugin.Open + Lookup + interface type-assertion pattern.
type Loader struct {
	log *slog.Logger
}

// NewLoader returns a Loader that logs through log.
func NewLoader(log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{log: log}
}

// OpenContentEngine loads a content-screening engine plugin from
// path. Missing the entrypoint symbol, or a symbol of the wrong type,
// is a load failure (§6: "missing any symbol at load time → load
// fails").
func (l *Loader) OpenContentEngine(path string) (ContentEngine, error) {
	sym, err := l.lookup(path, ContentEngineEntrypoint)
	if err != nil {
		return nil, err
	}
	eng, ok := sym.(ContentEngine)
	if !ok {
		return nil, fmt.Errorf("engineload: %s: entrypoint %q does not implement ContentEngine",
			path, ContentEngineEntrypoint)
	}
	l.log.Info("engineload: content engine loaded", "path", path,
		"vendor", eng.GetEngineVendor(), "name", eng.GetEngineName())
	return eng, nil
}

// OpenWebEngine loads a URL-risk engine plugin from path.
func (l *Loader) OpenWebEngine(path string) (WebEngine, error) {
	sym, err := l.lookup(path, WebEngineEntrypoint)
	if err != nil {
		return nil, err
	}
	eng, ok := sym.(WebEngine)
	if !ok {
		return nil, fmt.Errorf("engineload: %s: entrypoint %q does not implement WebEngine",
			path, WebEngineEntrypoint)
	}
	l.log.Info("engineload: web engine loaded", "path", path,
		"vendor", eng.GetEngineVendor(), "name", eng.GetEngineName())
	return eng, nil
}

func (l *Loader) lookup(path, entrypoint string) (plugin.Symbol, error) {
	dl, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engineload: opening %s: %w", path, err)
	}
	sym, err := dl.Lookup(entrypoint)
	if err != nil {
		return nil, fmt.Errorf("engineload: %s: missing entrypoint %q: %w", path, entrypoint, err)
	}
	return sym, nil
}

// errorTable maps a plugin's engine-local error codes to the server's
// wire error taxonomy (§4.5 "Error translation", §7 "Engine errors").
// Vendor plugins report codes in a small, fixed range; anything
// outside it is ENGINE_INTERNAL.
var errorTable = map[int32]wire.ErrorCode{
	0: wire.ErrNone,
	1: wire.ErrEngineNotActivated,
	2: wire.ErrEnginePermission,
	3: wire.ErrOutOfMemory,
}

// TranslateError maps an engine-local error code to a wire error
// code, logging the plugin's own error string for operator context.
func TranslateError(h EngineHandle, code int32) wire.ErrorCode {
	if code == 0 {
		return wire.ErrNone
	}
	slog.Warn("engineload: engine reported an error", "code", code, "detail", h.GetErrorString(code))
	if wc, ok := errorTable[code]; ok {
		return wc
	}
	return wire.ErrEngineInternal
}

// NotActivated is returned by adapter code when an engine reports
// itself inactive before a scan call is attempted.
func NotActivated(h EngineHandle) bool {
	return !h.GetEngineActivated()
}

// EngineIDOf is a convenience used by dispatch code that only has a
// model.EngineID to decide which loader method to call.
func EngineIDOf(kind model.EngineID) model.EngineID { return kind }
