package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/petems/miclevel/internal/audio"
	"github.com/petems/miclevel/internal/logging"
	"github.com/spf13/cobra"
)

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List input devices and the formats they offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			host, err := audio.NewHost(cfg.Audio, logging.NewWithLevel(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer host.Close()

			devices, err := host.Devices()
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), devices)
			return nil
		},
	}
}

// printCatalog lists devices and their formats with the indexes that
// --device and --format accept.
func printCatalog(w io.Writer, devices []audio.Device) {
	r := lipgloss.NewRenderer(w)
	heading := r.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	index := r.NewStyle().Foreground(lipgloss.Color("#6e7681"))

	if len(devices) == 0 {
		fmt.Fprintln(w, "No input devices found.")
		return
	}

	for i, d := range devices {
		fmt.Fprintln(w, heading.Render(fmt.Sprintf("%d: %s", i, d.Name())))
		for j, f := range d.Formats() {
			fmt.Fprintf(w, "  %s %s (%s)\n", index.Render(fmt.Sprintf("%2d.", j)), f, f.Name())
		}
	}
}
