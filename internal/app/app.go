package app

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/petems/miclevel/internal/meter"
	"github.com/rs/zerolog"
)

const (
	promptText   = `Output paused. Enter "flush", "restart", "reopen", "stop", "quit" or nothing...`
	unpausedText = "Output unpaused."
)

// Controller is the part of a session the console drives.
type Controller interface {
	Flush() error
	Restart() error
	Reopen() error
	Errors() <-chan error
}

type Config struct {
	Session Controller
	Printer *meter.Printer
	// In supplies console commands, one per line. Nil disables the
	// console, e.g. when stdin carries the audio.
	In io.Reader
	// Out is where the printer writes; used to pick prompt styling.
	Out    io.Writer
	Logger zerolog.Logger
	// ExitOnError returns from Run on the first fatal capture error
	// instead of waiting for a reopen command.
	ExitOnError bool
}

// App maps console lines to session commands. The first line pauses
// packet output and shows a prompt; the next line is the command.
type App struct {
	sess        Controller
	printer     *meter.Printer
	in          io.Reader
	log         zerolog.Logger
	exitOnError bool

	promptStyle lipgloss.Style
	infoStyle   lipgloss.Style
	errorStyle  lipgloss.Style

	paused bool
}

func New(cfg Config) *App {
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	r := lipgloss.NewRenderer(out)

	return &App{
		sess:        cfg.Session,
		printer:     cfg.Printer,
		in:          cfg.In,
		log:         cfg.Logger,
		exitOnError: cfg.ExitOnError,
		promptStyle: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		infoStyle:   r.NewStyle().Foreground(lipgloss.Color("8")),
		errorStyle:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
}

// Run processes commands until stop/quit, end of input, or ctx is done.
// Fatal capture errors are reported and, unless ExitOnError is set, the
// console keeps running so the user can reopen the device.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := readLines(ctx, a.in)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-a.sess.Errors():
			a.printer.Println(a.errorStyle.Render("Audio input failed: " + err.Error()))
			if a.exitOnError {
				return err
			}
			a.log.Info().Msg("Enter \"reopen\" to retry")

		case line, ok := <-lines:
			if !ok {
				a.log.Debug().Msg("Console input closed")
				return nil
			}
			if !a.HandleLine(line) {
				return nil
			}
		}
	}
}

// HandleLine processes one console line and reports whether to keep
// running.
func (a *App) HandleLine(line string) bool {
	if !a.paused {
		a.paused = true
		a.printer.SetOutput(false)
		a.printer.Println(a.promptStyle.Render(promptText))
		return true
	}

	cmd := strings.ToLower(strings.TrimSpace(line))
	var err error
	switch cmd {
	case "flush":
		a.printer.Println(a.infoStyle.Render("Flushing audio input..."))
		err = a.sess.Flush()
	case "restart":
		a.printer.Println(a.infoStyle.Render("Restarting audio input..."))
		err = a.sess.Restart()
	case "reopen":
		a.printer.Println(a.infoStyle.Render("Reopening audio input..."))
		err = a.sess.Reopen()
	case "stop", "quit":
		a.printer.Println(a.infoStyle.Render("Stopping..."))
		return false
	}
	if err != nil {
		a.log.Error().Err(err).Str("command", cmd).Msg("Command failed")
		a.printer.Println(a.errorStyle.Render(cmd + " failed: " + err.Error()))
	}

	a.paused = false
	a.printer.Println(a.infoStyle.Render(unpausedText))
	a.printer.SetOutput(true)
	return true
}

// Paused reports whether output is paused waiting for a command.
func (a *App) Paused() bool {
	return a.paused
}

// readLines feeds lines from r to the returned channel, closing it at end
// of input or once ctx is done. A nil reader yields a channel that never
// delivers. A scan blocked in r only notices ctx after its next line.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	if r == nil {
		return lines
	}
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
