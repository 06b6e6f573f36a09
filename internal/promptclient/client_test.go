package promptclient

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"csrd/internal/model"
	"csrd/internal/wire"
)

func serveOnce(t *testing.T, sockPath string, respond func(payload []byte) int32) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		enc := wire.NewEncoder()
		enc.Int32(respond(payload))
		wire.WriteFrame(conn, enc.Bytes())
	}()
	return ln
}

func TestAskDetectedReturnsHelperResponse(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "prompt.sock")
	ln := serveOnce(t, sockPath, func(payload []byte) int32 { return int32(model.ResponseRemove) })
	defer ln.Close()

	c := New(sockPath)
	got, err := c.AskDetected(model.PromptCSAsk, "malware found", model.Detected{
		TargetName:  "/tmp/evil.bin",
		MalwareName: "EICAR-Test",
		Severity:    model.SeverityHigh,
		Ts:          time.Now(),
	})
	if err != nil {
		t.Fatalf("AskDetected: %v", err)
	}
	if got != model.ResponseRemove {
		t.Fatalf("got %v, want ResponseRemove", got)
	}
}

func TestAskURLReturnsHelperResponse(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "prompt.sock")
	ln := serveOnce(t, sockPath, func(payload []byte) int32 { return int32(model.ResponseProcessingAllowed) })
	defer ln.Close()

	c := New(sockPath)
	got, err := c.AskURL(model.PromptWPAsk, "risky url", model.UrlVerdict{
		Risk:        model.RiskHigh,
		DetailedURL: "http://wp.high.example",
	})
	if err != nil {
		t.Fatalf("AskURL: %v", err)
	}
	if got != model.ResponseProcessingAllowed {
		t.Fatalf("got %v, want ResponseProcessingAllowed", got)
	}
}

func TestAskDetectedDialFailureReturnsNotAsked(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nobody-listening.sock"))
	c.Timeout = 100 * time.Millisecond
	got, err := c.AskDetected(model.PromptCSAsk, "x", model.Detected{})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if got != model.ResponseNotAsked {
		t.Fatalf("got %v, want ResponseNotAsked", got)
	}
}

func TestAskDetectedHelperClosesWithoutReply(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "prompt.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	c := New(sockPath)
	c.Timeout = time.Second
	_, err = c.AskDetected(model.PromptCSAsk, "x", model.Detected{})
	if err != wire.ErrUserResponseFailed {
		t.Fatalf("err = %v, want ErrUserResponseFailed", err)
	}
}
