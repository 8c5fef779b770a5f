package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/petems/miclevel/internal/app"
	"github.com/petems/miclevel/internal/audio"
	"github.com/petems/miclevel/internal/config"
	"github.com/petems/miclevel/internal/logging"
	"github.com/petems/miclevel/internal/meter"
	"github.com/petems/miclevel/internal/permissions"
	"github.com/petems/miclevel/internal/session"
	"github.com/spf13/cobra"
)

func runMeter(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	log := logging.NewWithLevel(cfg.LogLevel)

	// macOS requires explicit microphone approval before capture works
	if usesMicrophone(cfg.Audio.Backend) {
		if err := permissions.EnsureMicrophone(); err != nil {
			return err
		}
	}

	host, err := audio.NewHost(cfg.Audio, log)
	if err != nil {
		return err
	}
	defer host.Close()

	dev, err := audio.FindDevice(host, cfg.Audio.Device)
	if err != nil {
		return err
	}
	format, err := audio.SelectFormat(dev, cfg.Audio.Format, cfg.Audio.Channels, cfg.Audio.SampleRate)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var printerOpts []meter.Option
	if cfg.Meter.AutoFlush {
		printerOpts = append(printerOpts, meter.WithAutoFlush(dev, cfg.Meter.AutoFlushInterval))
	}
	printer := meter.NewPrinter(out, log, printerOpts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("backend", cfg.Audio.Backend).
		Str("device", dev.Name()).
		Str("format", format.String()).
		Str("config", cfg.Path()).
		Msg("miclevel starting...")

	console := consoleInput(cfg.Audio, cmd.InOrStdin())

	return session.Run(session.Config{
		Device:       dev,
		PacketFrames: cfg.Audio.PacketFrames,
		OnPacket:     printer.HandlePacket,
		Logger:       log,
	}, format, cfg.Audio.BufferFrames, func(s *session.Session) error {
		a := app.New(app.Config{
			Session:     s,
			Printer:     printer,
			In:          console,
			Out:         out,
			Logger:      log.With().Str("session", s.ID()).Logger(),
			ExitOnError: console == nil,
		})
		return a.Run(ctx)
	})
}

func usesMicrophone(backend string) bool {
	return backend == config.BackendPortAudio || backend == config.BackendMalgo
}

// consoleInput returns the reader for console commands, or nil when stdin
// carries the audio stream.
func consoleInput(cfg config.AudioConfig, stdin io.Reader) io.Reader {
	if cfg.Backend == config.BackendFile && (cfg.File == "-" || cfg.File == "") {
		return nil
	}
	return stdin
}
