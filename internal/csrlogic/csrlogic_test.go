package csrlogic

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"csrd/internal/engineload"
	"csrd/internal/engineload/testengine"
	"csrd/internal/enginemgmt"
	"csrd/internal/model"
	"csrd/internal/statebus"
	"csrd/internal/store"
	"csrd/internal/wire"
)

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// spyEngine wraps testengine.Engine to count ScanFile invocations, so
// tests can assert on cache-hit behavior without touching the file
// system a second time.
type spyEngine struct {
	*testengine.Engine
	scanFileCalls int
}

func newSpyEngine() *spyEngine {
	return &spyEngine{Engine: testengine.New()}
}

func (e *spyEngine) ScanFile(ectx engineload.EngineContext, path string) (*model.Detected, error) {
	e.scanFileCalls++
	return e.Engine.ScanFile(ectx, path)
}

type fakeRemover struct {
	removed []string
	err     error
}

func (f *fakeRemover) RemovePackage(pkgID string) error {
	f.removed = append(f.removed, pkgID)
	return f.err
}

func newTestService(t *testing.T, eng engineload.ContentEngine) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "csrd.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	mgmt := enginemgmt.New(model.EngineContent, eng, st, statebus.Noop{})
	return &Service{
		Engine:     eng,
		Mgmt:       mgmt,
		Store:      st,
		Stats:      NewPromptStats(),
		Bus:        statebus.Noop{},
		PkgRemover: &fakeRemover{},
		Log:        slog.Default(),
	}, st
}

func TestScanDataDetectsEicar(t *testing.T) {
	svc, _ := newTestService(t, testengine.New())
	d, err := svc.ScanData(context.Background(), model.ScanContext{}, []byte(eicar))
	if err != nil {
		t.Fatalf("ScanData: %v", err)
	}
	if d == nil || d.Severity != model.SeverityHigh {
		t.Fatalf("got %+v, want high-severity detection", d)
	}
	if d.UserResponse != model.ResponseNotAsked {
		t.Fatalf("UserResponse = %v, want NotAsked (AskUser=false)", d.UserResponse)
	}
}

func TestScanDataCleanReturnsNil(t *testing.T) {
	svc, _ := newTestService(t, testengine.New())
	d, err := svc.ScanData(context.Background(), model.ScanContext{}, []byte("harmless"))
	if err != nil {
		t.Fatalf("ScanData: %v", err)
	}
	if d != nil {
		t.Fatalf("got %+v, want nil", d)
	}
}

func TestScanDataFailsWhenEngineDisabled(t *testing.T) {
	svc, st := newTestService(t, testengine.New())
	if err := st.SetEngineState(model.EngineContent, false); err != nil {
		t.Fatalf("SetEngineState: %v", err)
	}
	_, err := svc.ScanData(context.Background(), model.ScanContext{}, []byte(eicar))
	if err != wire.ErrEngineDisabled {
		t.Fatalf("err = %v, want ErrEngineDisabled", err)
	}
}

func TestScanFileDetectsAndPersists(t *testing.T) {
	svc, st := newTestService(t, testengine.New())
	path := filepath.Join(t.TempDir(), "risky.bin")
	if err := os.WriteFile(path, []byte("RISKY_MALWARE"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, err := svc.ScanFile(context.Background(), model.ScanContext{}, path)
	if err != nil {
		t.Fatalf("ScanFile: %v", err)
	}
	if d == nil || d.Severity != model.SeverityMedium {
		t.Fatalf("got %+v, want medium-severity detection", d)
	}

	row, found, err := st.GetDetected(path)
	if err != nil {
		t.Fatalf("GetDetected: %v", err)
	}
	if !found || row.MalwareName != d.MalwareName {
		t.Fatalf("expected persisted row matching detection, got %+v found=%v", row, found)
	}
}

func TestScanFileUsesCacheOnSecondCall(t *testing.T) {
	spy := newSpyEngine()
	svc, _ := newTestService(t, spy)
	path := filepath.Join(t.TempDir(), "risky.bin")
	if err := os.WriteFile(path, []byte("RISKY_MALWARE"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := svc.ScanFile(context.Background(), model.ScanContext{}, path); err != nil {
		t.Fatalf("ScanFile (1st): %v", err)
	}
	if _, err := svc.ScanFile(context.Background(), model.ScanContext{}, path); err != nil {
		t.Fatalf("ScanFile (2nd): %v", err)
	}
	if spy.scanFileCalls != 1 {
		t.Fatalf("engine ScanFile called %d times, want 1 (second call should hit cache)", spy.scanFileCalls)
	}
}

func TestScanFileMissingTargetReturnsNotExist(t *testing.T) {
	svc, _ := newTestService(t, testengine.New())
	_, err := svc.ScanFile(context.Background(), model.ScanContext{}, filepath.Join(t.TempDir(), "nope.bin"))
	if err != wire.ErrFileDoNotExist {
		t.Fatalf("err = %v, want ErrFileDoNotExist", err)
	}
}

func TestScanFileClearsStaleRowWhenNowClean(t *testing.T) {
	svc, st := newTestService(t, testengine.New())
	path := filepath.Join(t.TempDir(), "evolve.bin")
	if err := os.WriteFile(path, []byte("RISKY_MALWARE"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := svc.ScanFile(context.Background(), model.ScanContext{}, path); err != nil {
		t.Fatalf("ScanFile (1st): %v", err)
	}
	if _, found, _ := st.GetDetected(path); !found {
		t.Fatal("expected a row after first scan")
	}

	if err := os.WriteFile(path, []byte("now harmless"), 0644); err != nil {
		t.Fatalf("WriteFile (rewrite): %v", err)
	}
	d, err := svc.ScanFile(context.Background(), model.ScanContext{}, path)
	if err != nil {
		t.Fatalf("ScanFile (2nd): %v", err)
	}
	if d != nil {
		t.Fatalf("got %+v, want nil after file became clean", d)
	}
	if _, found, _ := st.GetDetected(path); found {
		t.Fatal("expected stale row to be deleted")
	}
}

func TestJudgeIgnoreAndUnignore(t *testing.T) {
	svc, st := newTestService(t, testengine.New())
	path := filepath.Join(t.TempDir(), "evil.bin")
	if err := os.WriteFile(path, []byte(eicar), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := svc.ScanFile(context.Background(), model.ScanContext{}, path); err != nil {
		t.Fatalf("ScanFile: %v", err)
	}

	if err := svc.Judge(path, wire.JudgeIgnore, ""); err != nil {
		t.Fatalf("Judge(ignore): %v", err)
	}
	row, found, err := st.GetDetected(path)
	if err != nil || !found || !row.IsIgnored {
		t.Fatalf("row not ignored: found=%v err=%v row=%+v", found, err, row)
	}

	if err := svc.Judge(path, wire.JudgeUnignore, ""); err != nil {
		t.Fatalf("Judge(unignore): %v", err)
	}
	row, found, err = st.GetDetected(path)
	if err != nil || !found || row.IsIgnored {
		t.Fatalf("row still ignored: found=%v err=%v row=%+v", found, err, row)
	}
}

func TestJudgeRemoveDeletesFileAndRow(t *testing.T) {
	svc, st := newTestService(t, testengine.New())
	path := filepath.Join(t.TempDir(), "evil.bin")
	if err := os.WriteFile(path, []byte(eicar), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := svc.ScanFile(context.Background(), model.ScanContext{}, path); err != nil {
		t.Fatalf("ScanFile: %v", err)
	}

	if err := svc.Judge(path, wire.JudgeRemove, path); err != nil {
		t.Fatalf("Judge(remove): %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed from disk, stat err = %v", err)
	}
	if _, found, _ := st.GetDetected(path); found {
		t.Fatal("expected history row to be deleted after removal")
	}
}

func TestJudgeRemoveRejectsMismatchedTargetName(t *testing.T) {
	svc, _ := newTestService(t, testengine.New())
	path := filepath.Join(t.TempDir(), "evil.bin")
	if err := os.WriteFile(path, []byte(eicar), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := svc.ScanFile(context.Background(), model.ScanContext{}, path); err != nil {
		t.Fatalf("ScanFile: %v", err)
	}

	err := svc.Judge(path, wire.JudgeRemove, "/some/other/path")
	if err != wire.ErrFileChanged {
		t.Fatalf("err = %v, want ErrFileChanged", err)
	}
}

func TestJudgeUnknownTargetIsInvalidParameter(t *testing.T) {
	svc, _ := newTestService(t, testengine.New())
	err := svc.Judge("/never/scanned", wire.JudgeIgnore, "")
	if err != wire.ErrInvalidParameter {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestPromptKindForSeverityTable(t *testing.T) {
	cases := []struct {
		scope Scope
		sev   model.Severity
		want  model.PromptKind
	}{
		{ScopeFile, model.SeverityLow, model.PromptCSAsk},
		{ScopeFile, model.SeverityMedium, model.PromptCSAsk},
		{ScopeFile, model.SeverityHigh, model.PromptCSNotify},
		{ScopeApp, model.SeverityHigh, model.PromptCSNotify},
		{ScopeData, model.SeverityMedium, model.PromptCSAsk},
	}
	for _, c := range cases {
		if got := PromptKindFor(c.scope, c.sev); got != c.want {
			t.Fatalf("PromptKindFor(%v, %v) = %v, want %v", c.scope, c.sev, got, c.want)
		}
	}
}

func TestScanFilesAsyncStreamsOneEventPerTarget(t *testing.T) {
	svc, _ := newTestService(t, testengine.New())
	dir := t.TempDir()
	evilPath := filepath.Join(dir, "evil.bin")
	cleanPath := filepath.Join(dir, "clean.bin")
	if err := os.WriteFile(evilPath, []byte(eicar), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(cleanPath, []byte("harmless"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Without a scanned-file callback registered, a clean target is
	// skipped entirely: only the detection and the terminal COMPLETE.
	var events []AsyncEvent
	err := svc.ScanFilesAsync(context.Background(), model.ScanContext{}, []string{evilPath, cleanPath},
		make(chan struct{}), func(ev AsyncEvent) error {
			events = append(events, ev)
			return nil
		})
	if err != nil {
		t.Fatalf("ScanFilesAsync: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (detected, complete)", len(events))
	}
	if events[0].Event != wire.EventMalwareDetected || events[0].Target != evilPath {
		t.Fatalf("events[0] = %+v", events[0])
	}
	if events[1].Event != wire.EventComplete {
		t.Fatalf("events[1] = %+v, want EventComplete", events[1])
	}
}

func TestScanFilesAsyncEmitsMalwareNoneWhenScannedCBRegistered(t *testing.T) {
	svc, _ := newTestService(t, testengine.New())
	dir := t.TempDir()
	evilPath := filepath.Join(dir, "evil.bin")
	cleanPath := filepath.Join(dir, "clean.bin")
	if err := os.WriteFile(evilPath, []byte(eicar), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(cleanPath, []byte("harmless"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var events []AsyncEvent
	sctx := model.ScanContext{IsScannedCBRegistered: true}
	err := svc.ScanFilesAsync(context.Background(), sctx, []string{evilPath, cleanPath},
		make(chan struct{}), func(ev AsyncEvent) error {
			events = append(events, ev)
			return nil
		})
	if err != nil {
		t.Fatalf("ScanFilesAsync: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (detected, none, complete)", len(events))
	}
	if events[0].Event != wire.EventMalwareDetected || events[0].Target != evilPath {
		t.Fatalf("events[0] = %+v", events[0])
	}
	if events[1].Event != wire.EventMalwareNone || events[1].Target != cleanPath {
		t.Fatalf("events[1] = %+v", events[1])
	}
	if events[2].Event != wire.EventComplete {
		t.Fatalf("events[2] = %+v, want EventComplete", events[2])
	}
}

func TestScanFilesAsyncStopsOnCancel(t *testing.T) {
	svc, _ := newTestService(t, testengine.New())
	dir := t.TempDir()
	evilPath := filepath.Join(dir, "evil.bin")
	if err := os.WriteFile(evilPath, []byte(eicar), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	stop := make(chan struct{})
	close(stop)

	var events []AsyncEvent
	err := svc.ScanFilesAsync(context.Background(), model.ScanContext{}, []string{evilPath, evilPath},
		stop, func(ev AsyncEvent) error {
			events = append(events, ev)
			return nil
		})
	if err != nil {
		t.Fatalf("ScanFilesAsync: %v", err)
	}
	if len(events) != 1 || events[0].Event != wire.EventComplete {
		t.Fatalf("events = %+v, want a single EventComplete (cancelled before any target)", events)
	}
}

func TestScanDirAsyncDeletesRowsWithDeprecatedDataVersion(t *testing.T) {
	svc, st := newTestService(t, testengine.New())
	dir := t.TempDir()

	stalePath := filepath.Join(dir, "stale.bin")
	if err := st.UpsertDetected(model.HistoryRow{
		Detected: model.Detected{
			TargetName: stalePath,
			Severity:   model.SeverityHigh,
			Ts:         time.Now(),
		},
		DataVersion: "old-data-version",
	}); err != nil {
		t.Fatalf("UpsertDetected: %v", err)
	}

	var events []AsyncEvent
	err := svc.ScanDirAsync(context.Background(), model.ScanContext{}, dir, make(chan struct{}), func(ev AsyncEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanDirAsync: %v", err)
	}

	rows, err := st.ListDetected(dir)
	if err != nil {
		t.Fatalf("ListDetected: %v", err)
	}
	for _, row := range rows {
		if row.TargetName == stalePath {
			t.Fatalf("stale row under old data_version survived the scan: %+v", row)
		}
	}
}

func TestPromptStatsRecordsAndSnapshots(t *testing.T) {
	stats := NewPromptStats()
	stats.Record(model.PromptCSAsk, model.ResponseRemove)
	stats.Record(model.PromptCSAsk, model.ResponseRemove)
	stats.Record(model.PromptCSNotify, model.ResponseProcessingAllowed)

	byKind, byResp := stats.Snapshot()
	if byKind[model.PromptCSAsk] != 2 {
		t.Fatalf("byKind[PromptCSAsk] = %d, want 2", byKind[model.PromptCSAsk])
	}
	if byResp[model.ResponseRemove] != 2 {
		t.Fatalf("byResp[ResponseRemove] = %d, want 2", byResp[model.ResponseRemove])
	}
}
