// Package testengine is an in-process ContentEngine/WebEngine used by
// tests and local development; it is never loaded via plugin.Open.
// It recognizes the literal EICAR test string and the RISKY_MALWARE
// marker from the specification's end-to-end scenarios (S1, S2).
package testengine

import (
	"context"
	"os"
	"strings"
	"time"

	"csrd/internal/engineload"
	"csrd/internal/model"
)

const (
	eicarSignature = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`
	riskySignature = `RISKY_MALWARE`
)

// Engine implements both engineload.ContentEngine and
// engineload.WebEngine against fixed marker strings, so scan logic
// can be exercised without a real vendor shared object.
type Engine struct {
	Vendor      string
	Name        string
	Version     string
	DataVersion string
	UpdatedAt   time.Time
	Activated   bool
}

// New returns a ready-to-use Engine with sensible defaults.
func New() *Engine {
	return &Engine{
		Vendor:      "csrd-test",
		Name:        "reference-signatures",
		Version:     "1.0.0",
		DataVersion: "20260101",
		UpdatedAt:   time.Unix(1767225600, 0),
		Activated:   true,
	}
}

// handle is the concrete EngineContext Engine hands out; it has
// nothing to release but still satisfies engineload.EngineContext for
// the scoped-holder pattern in engineload.Acquire.
type handle struct{}

func (handle) Close() error { return nil }

func (e *Engine) GlobalInit(roResDir, rwWorkDir string) error { return nil }
func (e *Engine) GlobalDeinit() error                         { return nil }

func (e *Engine) ContextCreate(context.Context) (engineload.EngineContext, error) {
	return handle{}, nil
}

func (e *Engine) GetEngineVendor() string         { return e.Vendor }
func (e *Engine) GetEngineName() string           { return e.Name }
func (e *Engine) GetEngineVersion() string        { return e.Version }
func (e *Engine) GetEngineDataVersion() string     { return e.DataVersion }
func (e *Engine) GetEngineLatestUpdateTime() int64 { return e.UpdatedAt.Unix() }
func (e *Engine) GetEngineActivated() bool         { return e.Activated }
func (e *Engine) GetErrorString(code int32) string {
	switch code {
	case 0:
		return "no error"
	default:
		return "test engine internal error"
	}
}

func (e *Engine) SupportsCloudScan() bool { return true }

func classify(data []byte) *model.Detected {
	s := string(data)
	switch {
	case strings.Contains(s, eicarSignature):
		return &model.Detected{
			MalwareName: "test_malware",
			DetailedURL: "http://high.malware.com",
			Severity:    model.SeverityHigh,
			Ts:          time.Now(),
		}
	case strings.Contains(s, riskySignature):
		return &model.Detected{
			MalwareName: "test_risk",
			DetailedURL: "",
			Severity:    model.SeverityMedium,
			Ts:          time.Now(),
		}
	default:
		return nil
	}
}

// ScanData implements engineload.ContentEngine.
func (e *Engine) ScanData(_ engineload.EngineContext, data []byte) (*model.Detected, error) {
	return classify(data), nil
}

// ScanFile implements engineload.ContentEngine.
func (e *Engine) ScanFile(_ engineload.EngineContext, path string) (*model.Detected, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d := classify(data)
	if d != nil {
		d.TargetName = path
	}
	return d, nil
}

// ScanAppOnCloud implements engineload.ContentEngine.
func (e *Engine) ScanAppOnCloud(_ engineload.EngineContext, appRoot string) (*model.Detected, error) {
	return nil, nil
}

// CheckURL implements engineload.WebEngine. It classifies by a
// fixed substring scheme so tests can exercise every risk tier.
func (e *Engine) CheckURL(_ engineload.EngineContext, url string) (model.RiskLevel, string, error) {
	switch {
	case strings.Contains(url, "high-risk"):
		return model.RiskHigh, "http://wp.high.example", nil
	case strings.Contains(url, "medium-risk"):
		return model.RiskMedium, "http://wp.medium.example", nil
	case strings.Contains(url, "low-risk"):
		return model.RiskLow, "", nil
	default:
		return model.RiskUnverified, "", nil
	}
}
