// Package dispatcher implements C13: decoding one request frame,
// authorizing it, routing to C10/C11/C12, and encoding the reply.
// Every panic inside a handler is recovered into SYSTEM so a bug in
// one request never takes the process down.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"csrd/internal/access"
	"csrd/internal/csrlogic"
	"csrd/internal/enginemgmt"
	"csrd/internal/model"
	"csrd/internal/store"
	"csrd/internal/telemetry"
	"csrd/internal/urllogic"
	"csrd/internal/wire"
	"csrd/internal/workerpool"

	"github.com/google/uuid"
)

// Dispatcher owns every C10/C11/C12 service and the pool their work
// runs on.
type Dispatcher struct {
	Content     *csrlogic.Service
	Web         *urllogic.Service
	ContentMgmt *enginemgmt.Manager
	WebMgmt     *enginemgmt.Manager
	Store       *store.Store
	Pool        *workerpool.Pool
	Authz       *access.Authorizer
	Log         *slog.Logger
	Telemetry   *telemetry.Provider

	mu   sync.Mutex
	jobs map[string]*workerpool.Handle
}

// New returns a ready Dispatcher. A nil tp disables tracing (a
// no-op provider is substituted) so callers that don't care about
// telemetry, such as tests, can pass nil.
func New(content *csrlogic.Service, web *urllogic.Service, contentMgmt, webMgmt *enginemgmt.Manager, st *store.Store, pool *workerpool.Pool, authz *access.Authorizer, log *slog.Logger, tp *telemetry.Provider) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	return &Dispatcher{
		Content: content, Web: web,
		ContentMgmt: contentMgmt, WebMgmt: webMgmt,
		Store: st, Pool: pool, Authz: authz, Log: log, Telemetry: tp,
		jobs: make(map[string]*workerpool.Handle),
	}
}

// endpointName names endpoint for span attributes.
func endpointName(endpoint access.Endpoint) string {
	switch endpoint {
	case access.EndpointContent:
		return "content"
	case access.EndpointWeb:
		return "web"
	case access.EndpointAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// isStreamingCmd reports whether cmd is one of the async scan
// commands, which hold the span open for the whole job rather than a
// single request/reply round trip.
func isStreamingCmd(cmd wire.CommandID) bool {
	switch cmd {
	case wire.CmdScanFilesAsync, wire.CmdScanDirAsync, wire.CmdScanDirsAsync:
		return true
	default:
		return false
	}
}

// Handle decodes one request frame from conn, authorizes it for
// endpoint/cred, executes it, and writes the reply frame(s).
func (d *Dispatcher) Handle(conn net.Conn, endpoint access.Endpoint, cred access.Credential, payload []byte) error {
	dec := wire.NewDecoder(payload)
	cmdRaw, err := dec.Int32()
	if err != nil {
		return wire.WriteFrame(conn, encodeErr(wire.ErrInvalidParameter))
	}
	cmd := wire.CommandID(cmdRaw)

	if err := d.Authz.Check(endpoint, cmd, cred); err != nil {
		return wire.WriteFrame(conn, encodeErr(wire.CodeOf(err)))
	}

	ctx, span := d.Telemetry.StartRequestSpan(context.Background(), uuid.NewString(), cmd.String(), endpointName(endpoint), isStreamingCmd(cmd))
	reply, async := d.route(ctx, conn, endpoint, cmd, dec)
	d.Telemetry.EndRequestSpan(span, int(replyErrCode(reply)), 1, nil)
	if async {
		return nil
	}
	return wire.WriteFrame(conn, reply)
}

// replyErrCode reads the leading error-code word a reply frame always
// starts with, for span tagging; a malformed/empty reply reports
// ErrSystem rather than panicking.
func replyErrCode(reply []byte) wire.ErrorCode {
	code, err := wire.NewDecoder(reply).Int32()
	if err != nil {
		return wire.ErrSystem
	}
	return wire.ErrorCode(code)
}

// route executes cmd and returns the single reply frame to write, or
// (nil, true) when the command already streamed its own frames (the
// async scan commands).
func (d *Dispatcher) route(ctx context.Context, conn net.Conn, endpoint access.Endpoint, cmd wire.CommandID, dec *wire.Decoder) (reply []byte, async bool) {
	defer func() {
		if r := recover(); r != nil {
			d.Log.Error("dispatcher: handler panicked", "cmd", cmd, "panic", r)
			reply = encodeErr(wire.ErrSystem)
		}
	}()

	switch cmd {
	case wire.CmdScanData:
		return d.runSync(func(stop <-chan struct{}) []byte { return d.handleScanData(ctx, dec) }), false
	case wire.CmdScanFile:
		return d.runSync(func(stop <-chan struct{}) []byte { return d.handleScanFile(ctx, dec) }), false
	case wire.CmdJudgeStatus:
		return d.runSync(func(stop <-chan struct{}) []byte { return d.handleJudge(dec) }), false
	case wire.CmdGetDetected:
		return d.handleGetDetected(dec), false
	case wire.CmdGetDetectedList:
		return d.handleGetDetectedList(dec), false
	case wire.CmdGetIgnored:
		return d.handleGetIgnored(dec), false
	case wire.CmdGetIgnoredList:
		return d.handleGetIgnoredList(dec), false
	case wire.CmdCheckURL:
		return d.runSync(func(stop <-chan struct{}) []byte { return d.handleCheckURL(ctx, dec) }), false
	case wire.CmdEMGetName, wire.CmdEMGetVendor, wire.CmdEMGetVersion, wire.CmdEMGetDataVersion,
		wire.CmdEMGetUpdatedTime, wire.CmdEMGetActivated, wire.CmdEMGetState:
		return d.handleEMGet(endpoint, cmd), false
	case wire.CmdEMSetState:
		return d.handleEMSetState(endpoint, dec), false
	case wire.CmdCancel:
		return d.handleCancel(ctx, dec), false
	case wire.CmdScanFilesAsync, wire.CmdScanDirAsync, wire.CmdScanDirsAsync:
		d.startAsync(ctx, conn, cmd, dec)
		return nil, true
	default:
		return encodeErr(wire.ErrInvalidParameter), false
	}
}

// runSync submits fn to the worker pool and blocks until it finishes,
// bounding concurrent engine calls to the pool's configured max
// (§5's "synchronous commands execute on the pool").
func (d *Dispatcher) runSync(fn func(stop <-chan struct{}) []byte) []byte {
	j := &syncJob{fn: fn, done: make(chan struct{})}
	d.Pool.Submit(j)
	<-j.done
	return j.reply
}

type syncJob struct {
	fn    func(stop <-chan struct{}) []byte
	reply []byte
	done  chan struct{}
}

func (j *syncJob) Run(stop <-chan struct{}) {
	j.reply = j.fn(stop)
	close(j.done)
}

func encodeErr(code wire.ErrorCode) []byte {
	return wire.NewEncoder().Int32(int32(code)).Bytes()
}

func encodeOK(body func(*wire.Encoder)) []byte {
	enc := wire.NewEncoder().Int32(int32(wire.ErrNone))
	if body != nil {
		body(enc)
	}
	return enc.Bytes()
}

func encodeDetectedReply(err error, d *model.Detected) []byte {
	if err != nil {
		if d == nil {
			return encodeErr(wire.CodeOf(err))
		}
		// REMOVE_FAILED and similar echo the detection alongside the code.
		enc := wire.NewEncoder().Int32(int32(wire.CodeOf(err))).Bool(true)
		enc.PutDetected(*d)
		return enc.Bytes()
	}
	if d == nil {
		return encodeOK(func(e *wire.Encoder) { e.Bool(false) })
	}
	return encodeOK(func(e *wire.Encoder) {
		e.Bool(true)
		e.PutDetected(*d)
	})
}

func (d *Dispatcher) handleScanData(ctx context.Context, dec *wire.Decoder) []byte {
	sctx, err := dec.ScanContext()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	data, err := dec.Bytes()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	detected, err := d.Content.ScanData(ctx, sctx, data)
	return encodeDetectedReply(err, detected)
}

func (d *Dispatcher) handleScanFile(ctx context.Context, dec *wire.Decoder) []byte {
	sctx, err := dec.ScanContext()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	path, err := dec.String()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	detected, err := d.Content.ScanFile(ctx, sctx, path)
	return encodeDetectedReply(err, detected)
}

func (d *Dispatcher) handleJudge(dec *wire.Decoder) []byte {
	path, err := dec.String()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	actionRaw, err := dec.Int32()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	targetName, err := dec.String()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	if err := d.Content.Judge(path, wire.JudgeAction(actionRaw), targetName); err != nil {
		return encodeErr(wire.CodeOf(err))
	}
	return encodeOK(nil)
}

func (d *Dispatcher) handleGetDetected(dec *wire.Decoder) []byte {
	path, err := dec.String()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	row, found, err := d.Store.GetDetected(path)
	if err != nil {
		return encodeErr(wire.ErrDB)
	}
	if !found || row.IsIgnored {
		return encodeOK(func(e *wire.Encoder) { e.Bool(false) })
	}
	return encodeOK(func(e *wire.Encoder) {
		e.Bool(true)
		e.PutDetected(row.Detected)
	})
}

func (d *Dispatcher) handleGetDetectedList(dec *wire.Decoder) []byte {
	return d.listReply(dec, d.Store.ListDetected)
}

func (d *Dispatcher) handleGetIgnored(dec *wire.Decoder) []byte {
	path, err := dec.String()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	row, found, err := d.Store.GetDetected(path)
	if err != nil {
		return encodeErr(wire.ErrDB)
	}
	if !found || !row.IsIgnored {
		return encodeOK(func(e *wire.Encoder) { e.Bool(false) })
	}
	return encodeOK(func(e *wire.Encoder) {
		e.Bool(true)
		e.PutDetected(row.Detected)
	})
}

func (d *Dispatcher) handleGetIgnoredList(dec *wire.Decoder) []byte {
	return d.listReply(dec, d.Store.ListIgnored)
}

func (d *Dispatcher) listReply(dec *wire.Decoder, list func(dir string) ([]model.HistoryRow, error)) []byte {
	dir, err := dec.String()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	rows, err := list(dir)
	if err != nil {
		return encodeErr(wire.ErrDB)
	}
	return encodeOK(func(e *wire.Encoder) {
		e.Size(len(rows))
		for _, row := range rows {
			e.PutDetected(row.Detected)
		}
	})
}

func (d *Dispatcher) handleCheckURL(ctx context.Context, dec *wire.Decoder) []byte {
	url, err := dec.String()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	ucontext, err := dec.UrlContext()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	verdict, err := d.Web.CheckURL(ctx, url, ucontext)
	if err != nil {
		return encodeErr(wire.CodeOf(err))
	}
	return encodeOK(func(e *wire.Encoder) { e.PutUrlVerdict(verdict) })
}

func (d *Dispatcher) mgmtFor(endpoint access.Endpoint) *enginemgmt.Manager {
	if endpoint == access.EndpointWeb {
		return d.WebMgmt
	}
	return d.ContentMgmt
}

func (d *Dispatcher) handleEMGet(endpoint access.Endpoint, cmd wire.CommandID) []byte {
	mgmt := d.mgmtFor(endpoint)
	info, err := mgmt.GetInfo()
	if err != nil {
		return encodeErr(wire.CodeOf(err))
	}
	switch cmd {
	case wire.CmdEMGetName:
		return encodeOK(func(e *wire.Encoder) { e.String(info.Name) })
	case wire.CmdEMGetVendor:
		return encodeOK(func(e *wire.Encoder) { e.String(info.Vendor) })
	case wire.CmdEMGetVersion:
		return encodeOK(func(e *wire.Encoder) { e.String(info.Version) })
	case wire.CmdEMGetDataVersion:
		return encodeOK(func(e *wire.Encoder) { e.String(info.DataVersion) })
	case wire.CmdEMGetUpdatedTime:
		return encodeOK(func(e *wire.Encoder) { e.Int64(info.LatestUpdate.Unix()) })
	case wire.CmdEMGetActivated:
		return encodeOK(func(e *wire.Encoder) { e.Bool(info.Activated) })
	case wire.CmdEMGetState:
		return encodeOK(func(e *wire.Encoder) { e.Bool(info.Enabled) })
	default:
		return encodeErr(wire.ErrInvalidParameter)
	}
}

func (d *Dispatcher) handleEMSetState(endpoint access.Endpoint, dec *wire.Decoder) []byte {
	enabled, err := dec.Bool()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	if err := d.mgmtFor(endpoint).SetState(enabled); err != nil {
		return encodeErr(wire.CodeOf(err))
	}
	return encodeOK(nil)
}

// handleCancel implements CANCEL: the client names the job by the id
// handed back in the initial acknowledgement of the async command
// that started it (§5's NO_TASK case — no job with that id is
// running, possibly because it already finished).
func (d *Dispatcher) handleCancel(ctx context.Context, dec *wire.Decoder) []byte {
	jobID, err := dec.String()
	if err != nil {
		return encodeErr(wire.ErrInvalidParameter)
	}
	d.mu.Lock()
	h, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return encodeErr(wire.ErrNoTask)
	}
	d.Telemetry.RecordScanCancelled(ctx, jobID)
	h.Cancel()
	return encodeOK(nil)
}

func (d *Dispatcher) registerJob(h *workerpool.Handle) {
	d.mu.Lock()
	d.jobs[h.ID] = h
	d.mu.Unlock()
}

func (d *Dispatcher) unregisterJob(id string) {
	d.mu.Lock()
	delete(d.jobs, id)
	d.mu.Unlock()
}

// startAsync implements the async scan entry points (§4.7): it writes
// an immediate OK reply carrying the job id, then submits a job that
// owns conn's write side for the rest of the job's lifetime, streaming
// MALWARE_DETECTED/MALWARE_NONE/COMPLETE events.
func (d *Dispatcher) startAsync(ctx context.Context, conn net.Conn, cmd wire.CommandID, dec *wire.Decoder) {
	sctx, err := dec.ScanContext()
	if err != nil {
		_ = wire.WriteFrame(conn, encodeErr(wire.ErrInvalidParameter))
		return
	}

	var target string
	var run func(stop <-chan struct{}) error
	switch cmd {
	case wire.CmdScanFilesAsync:
		paths, derr := dec.StringSlice()
		if derr != nil {
			_ = wire.WriteFrame(conn, encodeErr(wire.ErrInvalidParameter))
			return
		}
		target = strings.Join(paths, ",")
		run = func(stop <-chan struct{}) error {
			return d.Content.ScanFilesAsync(ctx, sctx, paths, stop, d.sink(conn))
		}
	case wire.CmdScanDirAsync:
		dir, derr := dec.String()
		if derr != nil {
			_ = wire.WriteFrame(conn, encodeErr(wire.ErrInvalidParameter))
			return
		}
		target = dir
		run = func(stop <-chan struct{}) error {
			return d.Content.ScanDirAsync(ctx, sctx, dir, stop, d.sink(conn))
		}
	case wire.CmdScanDirsAsync:
		dirs, derr := dec.StringSlice()
		if derr != nil {
			_ = wire.WriteFrame(conn, encodeErr(wire.ErrInvalidParameter))
			return
		}
		target = strings.Join(dirs, ",")
		run = func(stop <-chan struct{}) error {
			return d.Content.ScanDirsAsync(ctx, sctx, dirs, stop, d.sink(conn))
		}
	default:
		_ = wire.WriteFrame(conn, encodeErr(wire.ErrInvalidParameter))
		return
	}

	done := make(chan struct{})
	job := asyncJob{run: run, done: done, log: d.Log}
	h := d.Pool.Submit(job)
	d.registerJob(h)

	d.Telemetry.RecordScanStarted(ctx, h.ID, cmd.String(), target)
	start := time.Now()

	if err := wire.WriteFrame(conn, encodeOK(func(e *wire.Encoder) { e.String(h.ID) })); err != nil {
		h.Cancel()
	}

	go watchPeerClose(ctx, conn, done, h, d.Telemetry)

	<-done
	d.unregisterJob(h.ID)
	state := "done"
	if h.Cancelled() {
		state = "cancelled"
	}
	d.Telemetry.RecordScanCompleted(ctx, h.ID, state, cmd.String(), target, time.Since(start).Milliseconds(), 1, "")
}

// watchPeerClose detects a peer closing its end of conn while an
// async job is in flight and flips the job's stop flag (§4.2, §5).
// The protocol guarantees the client sends nothing further on this
// connection until the job completes or it is cancelled from
// another connection, so reading here cannot steal bytes meant for
// the next request's framing.
func watchPeerClose(ctx context.Context, conn net.Conn, done <-chan struct{}, h *workerpool.Handle, tp *telemetry.Provider) {
	buf := make([]byte, 1)
	for {
		select {
		case <-done:
			return
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return
		}
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		// EOF or any other read error: the peer went away.
		tp.RecordScanCancelled(ctx, h.ID)
		h.Cancel()
		return
	}
}

type asyncJob struct {
	run  func(stop <-chan struct{}) error
	done chan struct{}
	log  *slog.Logger
}

func (j asyncJob) Run(stop <-chan struct{}) {
	defer close(j.done)
	if err := j.run(stop); err != nil {
		j.log.Debug("dispatcher: async job ended with error", "error", err)
	}
}

// eventWriteTimeout bounds each individual frame write during an
// async stream, refreshed per event so a long-running scan does not
// trip the connection's original request deadline.
const eventWriteTimeout = 60 * time.Second

// sink adapts an AsyncEvent to the wire framing, writing directly to
// conn (the async job owns its write side for the job's lifetime).
func (d *Dispatcher) sink(conn net.Conn) csrlogic.EventSink {
	return func(ev csrlogic.AsyncEvent) error {
		enc := wire.NewEncoder().Int32(int32(ev.Event))
		switch ev.Event {
		case wire.EventMalwareDetected:
			enc.PutDetected(*ev.Detected)
		case wire.EventMalwareNone:
			enc.String(ev.Target)
			enc.Int32(int32(ev.Err))
		case wire.EventComplete:
		}
		if err := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
			return err
		}
		return wire.WriteFrame(conn, enc.Bytes())
	}
}
