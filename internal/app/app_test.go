package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petems/miclevel/internal/meter"
	"github.com/rs/zerolog"
)

// Mock implementations for testing
type mockController struct {
	mu       sync.Mutex
	calls    []string
	errs     chan error
	flushErr error
}

func newMockController() *mockController {
	return &mockController{errs: make(chan error, 1)}
}

func (m *mockController) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockController) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockController) Flush() error {
	m.record("flush")
	return m.flushErr
}

func (m *mockController) Restart() error {
	m.record("restart")
	return nil
}

func (m *mockController) Reopen() error {
	m.record("reopen")
	return nil
}

func (m *mockController) Errors() <-chan error {
	return m.errs
}

// syncBuffer is a bytes.Buffer safe for the printer and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestApp(ctrl Controller, in io.Reader) (*App, *meter.Printer, *syncBuffer) {
	out := &syncBuffer{}
	printer := meter.NewPrinter(out, zerolog.Nop())
	a := New(Config{
		Session: ctrl,
		Printer: printer,
		In:      in,
		Out:     out,
		Logger:  zerolog.Nop(),
	})
	return a, printer, out
}

func TestPauseAndResume(t *testing.T) {
	ctrl := newMockController()
	a, printer, out := newTestApp(ctrl, nil)

	if !printer.Output() {
		t.Fatal("output should be enabled initially")
	}

	// any line pauses
	if !a.HandleLine("") {
		t.Fatal("HandleLine should keep running")
	}
	if printer.Output() || !a.Paused() {
		t.Error("output should be paused after the first line")
	}
	if !strings.Contains(out.String(), promptText) {
		t.Errorf("expected prompt, got %q", out.String())
	}

	// an empty command just resumes
	a.HandleLine("")
	if !printer.Output() || a.Paused() {
		t.Error("output should resume after a command")
	}
	if !strings.HasSuffix(out.String(), unpausedText+"\n") {
		t.Errorf("expected unpause message, got %q", out.String())
	}
	if len(ctrl.Calls()) != 0 {
		t.Errorf("expected no session calls, got %v", ctrl.Calls())
	}
}

func TestCommandMapping(t *testing.T) {
	tests := []struct {
		command string
		want    string
		message string
	}{
		{"flush", "flush", "Flushing audio input..."},
		{"restart", "restart", "Restarting audio input..."},
		{"reopen", "reopen", "Reopening audio input..."},
		{"  REOPEN ", "reopen", "Reopening audio input..."},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			ctrl := newMockController()
			a, _, out := newTestApp(ctrl, nil)

			a.HandleLine("")
			if !a.HandleLine(tt.command) {
				t.Fatal("command should keep running")
			}

			calls := ctrl.Calls()
			if len(calls) != 1 || calls[0] != tt.want {
				t.Errorf("expected [%s], got %v", tt.want, calls)
			}
			if !strings.Contains(out.String(), tt.message) {
				t.Errorf("expected %q in output, got %q", tt.message, out.String())
			}
		})
	}
}

func TestStopAndQuitEnd(t *testing.T) {
	for _, cmd := range []string{"stop", "quit"} {
		t.Run(cmd, func(t *testing.T) {
			a, printer, out := newTestApp(newMockController(), nil)

			a.HandleLine("")
			if a.HandleLine(cmd) {
				t.Error("expected HandleLine to end the run")
			}
			if printer.Output() {
				t.Error("output should stay paused after stop")
			}
			if !strings.HasSuffix(out.String(), "Stopping...\n") {
				t.Errorf("expected stop message last, got %q", out.String())
			}
		})
	}
}

func TestCommandErrorIsReported(t *testing.T) {
	ctrl := newMockController()
	ctrl.flushErr = errors.New("device gone")
	a, printer, out := newTestApp(ctrl, nil)

	a.HandleLine("")
	a.HandleLine("flush")

	if !strings.Contains(out.String(), "device gone") {
		t.Errorf("expected error in output, got %q", out.String())
	}
	if !printer.Output() {
		t.Error("output should resume after a failed command")
	}
}

func TestRunReadsConsole(t *testing.T) {
	ctrl := newMockController()
	a, _, _ := newTestApp(ctrl, strings.NewReader("\nflush\n\nrestart\n\nstop\n\nreopen\n"))

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned %v", err)
	}

	calls := ctrl.Calls()
	if strings.Join(calls, ",") != "flush,restart" {
		t.Errorf("expected flush then restart before stop, got %v", calls)
	}
}

func TestRunEndsAtEOF(t *testing.T) {
	a, _, _ := newTestApp(newMockController(), strings.NewReader("\n"))

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil at end of input, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return at end of input")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	a, _, _ := newTestApp(newMockController(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReportsFatalError(t *testing.T) {
	ctrl := newMockController()
	a, _, out := newTestApp(ctrl, nil)
	a.exitOnError = true

	ctrl.errs <- io.ErrUnexpectedEOF
	err := a.Run(context.Background())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected the capture error, got %v", err)
	}
	if !strings.Contains(out.String(), "Audio input failed") {
		t.Errorf("expected failure message, got %q", out.String())
	}
}

func TestRunSurvivesFatalErrorWithConsole(t *testing.T) {
	ctrl := newMockController()
	pr, pw := io.Pipe()
	a, _, out := newTestApp(ctrl, pr)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	ctrl.errs <- io.ErrUnexpectedEOF

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "Audio input failed") {
		if time.Now().After(deadline) {
			t.Fatal("failure was not reported")
		}
		time.Sleep(time.Millisecond)
	}

	io.WriteString(pw, "\nreopen\n")
	for len(ctrl.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reopen was not issued")
		}
		time.Sleep(time.Millisecond)
	}
	pw.Close()

	if err := <-done; err != nil {
		t.Errorf("expected nil at end of input, got %v", err)
	}
}

// endlessLines never reaches end of input.
type endlessLines struct{}

func (endlessLines) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = "x\n"[i%2]
	}
	return len(p) - len(p)%2, nil
}

func TestReadLinesEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines := readLines(ctx, endlessLines{})

	if line := <-lines; line != "x" {
		t.Fatalf("expected %q, got %q", "x", line)
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("reader kept running after the context was canceled")
		}
	}
}
