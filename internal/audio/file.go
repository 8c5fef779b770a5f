package audio

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/petems/miclevel/internal/config"
	"github.com/petems/miclevel/internal/pcm"
	"github.com/rs/zerolog"
)

type fileHost struct {
	device *fileDevice
}

// newFileHost serves raw PCM from cfg.File ("-" is stdin). The stream
// carries no header, so its layout comes from cfg.Format.
func newFileHost(cfg config.AudioConfig, log zerolog.Logger) (Host, error) {
	name := cfg.Format
	if name == "" {
		name = "s16le"
	}
	format, err := pcm.ParseFormat(name)
	if err != nil {
		return nil, err
	}
	if cfg.Channels > 0 {
		format = format.WithChannels(cfg.Channels)
	}
	format = format.WithSampleRate(cfg.SampleRate)

	path := cfg.File
	if path == "" {
		path = "-"
	}
	return &fileHost{device: &fileDevice{
		path:   path,
		format: format,
		log:    log.With().Str("device", path).Logger(),
		open: func(path string) (io.ReadCloser, error) {
			if path == "-" {
				return stdin{os.Stdin}, nil
			}
			return os.Open(path)
		},
	}}, nil
}

func (h *fileHost) Devices() ([]Device, error) {
	return []Device{h.device}, nil
}

func (h *fileHost) Default() (Device, error) {
	return h.device, nil
}

func (h *fileHost) Close() error {
	return h.device.Close()
}

// stdin keeps the process stdin open when the device closes.
type stdin struct {
	*os.File
}

func (stdin) Close() error { return nil }

// fileChunkBytes is the most a pump reads from the stream at once.
const fileChunkBytes = 4096

// filePump reads a stream on its own goroutine so that a Read can give up
// after PollInterval even when the stream blocks. Chunks queue up to the
// channel capacity and the pump then waits; nothing is dropped.
type filePump struct {
	chunks chan []byte
	done   chan struct{}
	err    error // valid once chunks is closed
}

func startPump(r io.Reader) *filePump {
	p := &filePump{
		chunks: make(chan []byte, 8),
		done:   make(chan struct{}),
	}
	go p.run(r)
	return p
}

// run ends at the first read error or when done closes. A read blocked on
// stdin cannot be interrupted, so that pump stays parked until input
// arrives or the process exits; it delivers nothing after done.
func (p *filePump) run(r io.Reader) {
	defer close(p.chunks)
	for {
		buf := make([]byte, fileChunkBytes)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case p.chunks <- buf[:n]:
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.err = err
			return
		}
	}
}

type fileDevice struct {
	path   string
	format pcm.Format
	log    zerolog.Logger
	open   func(path string) (io.ReadCloser, error)

	mu      sync.Mutex
	r       io.ReadCloser
	pump    *filePump
	running bool

	// pending is only touched by the reading goroutine, and by Close once
	// reads have stopped.
	pending []byte
}

func (d *fileDevice) Name() string {
	if d.path == "-" {
		return "stdin"
	}
	return d.path
}

func (d *fileDevice) Formats() []pcm.Format {
	return []pcm.Format{d.format}
}

func (d *fileDevice) Open(format pcm.Format, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.r != nil {
		return nil
	}
	r, err := d.open(d.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", d.path, err)
	}
	d.r = r
	d.pump = startPump(r)
	d.pending = nil
	d.format = format
	d.log.Debug().Str("format", format.String()).Msg("Raw PCM input opened")
	return nil
}

// BufferFrames is unknown: the stream has no device-side buffer to size.
func (d *fileDevice) BufferFrames() int {
	return 0
}

func (d *fileDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.r == nil {
		return ErrDeviceClosed
	}
	d.running = true
	return nil
}

func (d *fileDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.running = false
	return nil
}

// Flush is a no-op: unread bytes of a file are data, not stale audio.
func (d *fileDevice) Flush() error {
	return nil
}

func (d *fileDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	pump, running := d.pump, d.running
	d.mu.Unlock()

	if pump == nil {
		return 0, ErrDeviceClosed
	}
	if !running {
		time.Sleep(PollInterval)
		return 0, nil
	}

	if len(d.pending) == 0 {
		timer := time.NewTimer(PollInterval)
		defer timer.Stop()

		select {
		case chunk, ok := <-pump.chunks:
			if !ok {
				return 0, pump.err
			}
			d.pending = chunk
		case <-pump.done:
			return 0, ErrDeviceClosed
		case <-timer.C:
			return 0, nil
		}
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *fileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.r == nil {
		return nil
	}
	close(d.pump.done)
	err := d.r.Close()
	d.r = nil
	d.pump = nil
	d.pending = nil
	d.running = false
	return err
}
