package main

import (
	"github.com/petems/miclevel/internal/config"
	"github.com/spf13/cobra"
)

// options holds flags shared by the commands. Only flags the user set
// override the config file.
type options struct {
	configPath  string
	backend     string
	device      string
	format      string
	channels    int
	rate        float64
	buffer      int
	packet      int
	file        string
	toneHz      float64
	noAutoFlush bool
	logLevel    string
	save        bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "miclevel",
		Short: "Print the RMS level of an audio input",
		Long: `miclevel captures raw PCM from an audio input and prints one
"RMS: <value>" line per packet.

Press enter to pause output; the next line is a command:
  flush    discard audio buffered by the device
  restart  stop and start capture
  reopen   close and reopen the device
  stop     exit (also "quit")
Any other input resumes output.

Configuration is read from the OS config directory:
  macOS:   ~/Library/Application Support/miclevel/config.yaml
  Linux:   ~/.config/miclevel/config.yaml
  Windows: %AppData%/miclevel/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeter(cmd, opts)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default is the OS config directory)")
	pf.StringVar(&opts.backend, "backend", "", "audio backend: portaudio, malgo, tone or file")
	pf.StringVar(&opts.file, "file", "", `raw PCM input for the file backend, "-" for stdin`)
	pf.Float64Var(&opts.toneHz, "tone-hz", 0, "frequency of the tone backend")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	addRunFlags(root, opts)

	run := &cobra.Command{
		Use:   "run",
		Short: "Capture and print levels (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeter(cmd, opts)
		},
	}
	addRunFlags(run, opts)

	root.AddCommand(run, newDevicesCmd(opts), newVersionCmd())
	return root
}

func addRunFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVarP(&opts.device, "device", "d", "", "input device index or name (default input if empty)")
	f.StringVarP(&opts.format, "format", "f", "", `format index or name such as "s16le"`)
	f.IntVar(&opts.channels, "channels", 0, "override the format's channel count")
	f.Float64Var(&opts.rate, "rate", 0, "sample rate used when the format leaves it open")
	f.IntVar(&opts.buffer, "buffer", 0, "requested device buffer in frames")
	f.IntVar(&opts.packet, "packet", 0, "frames per RMS packet")
	f.BoolVar(&opts.noAutoFlush, "no-autoflush", false, "disable the periodic device flush")
	f.BoolVar(&opts.save, "save", false, "write the effective settings back to the config file")
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Audio.Backend = opts.backend
	}
	if changed("device") {
		cfg.Audio.Device = opts.device
	}
	if changed("format") {
		cfg.Audio.Format = opts.format
	}
	if changed("channels") {
		cfg.Audio.Channels = opts.channels
	}
	if changed("rate") {
		cfg.Audio.SampleRate = opts.rate
	}
	if changed("buffer") {
		cfg.Audio.BufferFrames = opts.buffer
	}
	if changed("packet") {
		cfg.Audio.PacketFrames = opts.packet
	}
	if changed("file") {
		cfg.Audio.File = opts.file
	}
	if changed("tone-hz") {
		cfg.Audio.ToneHz = opts.toneHz
	}
	if changed("no-autoflush") {
		cfg.Meter.AutoFlush = !opts.noAutoFlush
	}
	if changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.save {
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
