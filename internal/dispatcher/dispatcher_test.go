package dispatcher

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"csrd/internal/access"
	"csrd/internal/csrlogic"
	"csrd/internal/engineload/testengine"
	"csrd/internal/enginemgmt"
	"csrd/internal/model"
	"csrd/internal/statebus"
	"csrd/internal/store"
	"csrd/internal/telemetry"
	"csrd/internal/urllogic"
	"csrd/internal/wire"
	"csrd/internal/workerpool"
)

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "csrd.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	contentEngine := testengine.New()
	webEngine := testengine.New()
	contentMgmt := enginemgmt.New(model.EngineContent, contentEngine, st, statebus.Noop{})
	webMgmt := enginemgmt.New(model.EngineWeb, webEngine, st, statebus.Noop{})

	content := &csrlogic.Service{
		Engine: contentEngine,
		Mgmt:   contentMgmt,
		Store:  st,
		Stats:  csrlogic.NewPromptStats(),
		Bus:    statebus.Noop{},
		Log:    slog.Default(),
	}
	web := &urllogic.Service{Engine: webEngine, Mgmt: webMgmt}

	pool := workerpool.New(1, 4, nil)
	t.Cleanup(pool.Close)

	authz := access.NewAuthorizer(nil, nil, nil, nil)

	return New(content, web, contentMgmt, webMgmt, st, pool, authz, nil, nil)
}

// newTestDispatcherWithTelemetry mirrors newTestDispatcher but wires a
// real tracing provider, for tests that exercise the span plumbing
// itself rather than stubbing it out.
func newTestDispatcherWithTelemetry(t *testing.T, tp *telemetry.Provider) *Dispatcher {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "csrd.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	st.SetTelemetry(tp)

	contentEngine := testengine.New()
	webEngine := testengine.New()
	contentMgmt := enginemgmt.New(model.EngineContent, contentEngine, st, statebus.Noop{})
	webMgmt := enginemgmt.New(model.EngineWeb, webEngine, st, statebus.Noop{})

	content := &csrlogic.Service{
		Engine: contentEngine,
		Mgmt:   contentMgmt,
		Store:  st,
		Stats:  csrlogic.NewPromptStats(),
		Bus:    statebus.Noop{},
		Log:    slog.Default(),
	}
	web := &urllogic.Service{Engine: webEngine, Mgmt: webMgmt}

	pool := workerpool.New(1, 4, nil)
	t.Cleanup(pool.Close)

	authz := access.NewAuthorizer(nil, nil, nil, nil)

	return New(content, web, contentMgmt, webMgmt, st, pool, authz, nil, tp)
}

func requestFrame(cmd wire.CommandID, body func(*wire.Encoder)) []byte {
	enc := wire.NewEncoder().Int32(int32(cmd))
	if body != nil {
		body(enc)
	}
	return enc.Bytes()
}

func decodeHeader(t *testing.T, payload []byte) (wire.ErrorCode, *wire.Decoder) {
	t.Helper()
	dec := wire.NewDecoder(payload)
	code, err := dec.Int32()
	if err != nil {
		t.Fatalf("decoding error code: %v", err)
	}
	return wire.ErrorCode(code), dec
}

func TestHandleScanDataDetectsEicar(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- d.Handle(server, access.EndpointContent, access.Credential{}, requestFrame(wire.CmdScanData, func(e *wire.Encoder) {
			e.PutScanContext(model.ScanContext{})
			e.PutBytes([]byte(eicar))
		}))
	}()

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Handle: %v", err)
	}

	code, dec := decodeHeader(t, payload)
	if code != wire.ErrNone {
		t.Fatalf("code = %v", code)
	}
	found, err := dec.Bool()
	if err != nil || !found {
		t.Fatalf("found = %v, err = %v", found, err)
	}
	detected, err := dec.Detected()
	if err != nil {
		t.Fatalf("Detected: %v", err)
	}
	if detected.MalwareName != "test_malware" {
		t.Fatalf("MalwareName = %q", detected.MalwareName)
	}
}

// TestHandleScanDataTracesRequestSpan exercises a real tracing
// provider end to end (StartRequestSpan/EndRequestSpan around the
// handler, plus the store's DB spans underneath it) rather than the
// no-op stand-in the other tests use.
func TestHandleScanDataTracesRequestSpan(t *testing.T) {
	tp, err := telemetry.NewProvider(telemetry.Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer tp.Shutdown(context.Background())

	d := newTestDispatcherWithTelemetry(t, tp)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- d.Handle(server, access.EndpointContent, access.Credential{}, requestFrame(wire.CmdScanData, func(e *wire.Encoder) {
			e.PutScanContext(model.ScanContext{})
			e.PutBytes([]byte(eicar))
		}))
	}()

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Handle: %v", err)
	}

	code, dec := decodeHeader(t, payload)
	if code != wire.ErrNone {
		t.Fatalf("code = %v", code)
	}
	found, err := dec.Bool()
	if err != nil || !found {
		t.Fatalf("found = %v, err = %v", found, err)
	}
}

func TestHandleScanDataCleanReturnsFalse(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := net.Pipe()
	defer client.Close()

	go d.Handle(server, access.EndpointContent, access.Credential{}, requestFrame(wire.CmdScanData, func(e *wire.Encoder) {
		e.PutScanContext(model.ScanContext{})
		e.PutBytes([]byte("clean data"))
	}))

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, dec := decodeHeader(t, payload)
	if code != wire.ErrNone {
		t.Fatalf("code = %v", code)
	}
	found, err := dec.Bool()
	if err != nil || found {
		t.Fatalf("found = %v, err = %v", found, err)
	}
}

func TestHandleUnknownCommandIsInvalidParameter(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := net.Pipe()
	defer client.Close()

	go d.Handle(server, access.EndpointContent, access.Credential{}, requestFrame(wire.CommandID(999), nil))

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, _ := decodeHeader(t, payload)
	if code != wire.ErrInvalidParameter {
		t.Fatalf("code = %v", code)
	}
}

func TestHandleTruncatedFrameIsInvalidParameter(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := net.Pipe()
	defer client.Close()

	go d.Handle(server, access.EndpointContent, access.Credential{}, []byte{1, 2})

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, _ := decodeHeader(t, payload)
	if code != wire.ErrInvalidParameter {
		t.Fatalf("code = %v", code)
	}
}

func TestHandleJudgeStatusOnContentSocketRequiresAdmin(t *testing.T) {
	d := newTestDispatcher(t)
	d.Authz = access.NewAuthorizer(nil, nil, []uint32{42}, nil)
	client, server := net.Pipe()
	defer client.Close()

	go d.Handle(server, access.EndpointContent, access.Credential{UID: 1}, requestFrame(wire.CmdJudgeStatus, func(e *wire.Encoder) {
		e.String("/tmp/x")
		e.Int32(int32(wire.JudgeIgnore))
		e.String("")
	}))

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, _ := decodeHeader(t, payload)
	if code != wire.ErrPermissionDenied {
		t.Fatalf("code = %v", code)
	}
}

func TestHandleCheckURLReturnsVerdict(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := net.Pipe()
	defer client.Close()

	go d.Handle(server, access.EndpointWeb, access.Credential{}, requestFrame(wire.CmdCheckURL, func(e *wire.Encoder) {
		e.String("http://low-risk.example")
		e.PutUrlContext(model.UrlContext{})
	}))

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, dec := decodeHeader(t, payload)
	if code != wire.ErrNone {
		t.Fatalf("code = %v", code)
	}
	verdict, err := dec.UrlVerdict()
	if err != nil {
		t.Fatalf("UrlVerdict: %v", err)
	}
	if verdict.Risk != model.RiskLow {
		t.Fatalf("Risk = %v", verdict.Risk)
	}
}

func TestHandleEMGetNameAndSetState(t *testing.T) {
	d := newTestDispatcher(t)

	client, server := net.Pipe()
	go d.Handle(server, access.EndpointContent, access.Credential{}, requestFrame(wire.CmdEMGetName, nil))
	payload, err := wire.ReadFrame(client)
	client.Close()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, dec := decodeHeader(t, payload)
	if code != wire.ErrNone {
		t.Fatalf("code = %v", code)
	}
	name, err := dec.String()
	if err != nil || name != "reference-signatures" {
		t.Fatalf("name = %q, err = %v", name, err)
	}

	client, server = net.Pipe()
	go d.Handle(server, access.EndpointContent, access.Credential{}, requestFrame(wire.CmdEMSetState, func(e *wire.Encoder) { e.Bool(false) }))
	payload, err = wire.ReadFrame(client)
	client.Close()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, _ = decodeHeader(t, payload)
	if code != wire.ErrNone {
		t.Fatalf("code = %v", code)
	}

	enabled, err := d.ContentMgmt.IsEnabled()
	if err != nil || enabled {
		t.Fatalf("IsEnabled = %v, err = %v", enabled, err)
	}
}

func TestHandleGetDetectedListEmptyDir(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := net.Pipe()
	defer client.Close()

	go d.Handle(server, access.EndpointContent, access.Credential{}, requestFrame(wire.CmdGetDetectedList, func(e *wire.Encoder) {
		e.String("/tmp/nonexistent-empty-dir")
	}))

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, dec := decodeHeader(t, payload)
	if code != wire.ErrNone {
		t.Fatalf("code = %v", code)
	}
	n, err := dec.Size()
	if err != nil || n != 0 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
}

func TestHandleCancelNoTaskReturnsNoTask(t *testing.T) {
	d := newTestDispatcher(t)
	client, server := net.Pipe()
	defer client.Close()

	go d.Handle(server, access.EndpointContent, access.Credential{}, requestFrame(wire.CmdCancel, func(e *wire.Encoder) {
		e.String("no-such-job")
	}))

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, _ := decodeHeader(t, payload)
	if code != wire.ErrNoTask {
		t.Fatalf("code = %v", code)
	}
}

func TestStartAsyncStreamsEventsThenComplete(t *testing.T) {
	d := newTestDispatcher(t)
	dir := t.TempDir()
	clean := filepath.Join(dir, "clean.txt")
	evil := filepath.Join(dir, "evil.txt")
	if err := os.WriteFile(clean, []byte("harmless"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(evil, []byte(eicar), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()

	go d.Handle(server, access.EndpointContent, access.Credential{}, requestFrame(wire.CmdScanFilesAsync, func(e *wire.Encoder) {
		e.PutScanContext(model.ScanContext{})
		e.Size(2)
		e.String(clean)
		e.String(evil)
	}))

	// Ack frame carrying the job id.
	ackPayload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame (ack): %v", err)
	}
	code, dec := decodeHeader(t, ackPayload)
	if code != wire.ErrNone {
		t.Fatalf("ack code = %v", code)
	}
	jobID, err := dec.String()
	if err != nil || jobID == "" {
		t.Fatalf("jobID = %q, err = %v", jobID, err)
	}

	sawDetected, sawComplete := false, false
	for i := 0; i < 3; i++ {
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		evPayload, err := wire.ReadFrame(client)
		if err != nil {
			t.Fatalf("ReadFrame (event %d): %v", i, err)
		}
		evDec := wire.NewDecoder(evPayload)
		evRaw, err := evDec.Int32()
		if err != nil {
			t.Fatalf("decoding event id: %v", err)
		}
		switch wire.EventID(evRaw) {
		case wire.EventMalwareDetected:
			sawDetected = true
		case wire.EventMalwareNone:
			// target, err
		case wire.EventComplete:
			sawComplete = true
		}
		if sawComplete {
			break
		}
	}
	if !sawDetected || !sawComplete {
		t.Fatalf("sawDetected=%v sawComplete=%v", sawDetected, sawComplete)
	}
}
