package audio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/petems/miclevel/internal/config"
	"github.com/petems/miclevel/internal/pcm"
	"github.com/rs/zerolog"
)

type toneHost struct {
	device *toneDevice
}

func newToneHost(cfg config.AudioConfig, log zerolog.Logger) Host {
	return &toneHost{device: newToneDevice(cfg.ToneHz, log)}
}

func (h *toneHost) Devices() ([]Device, error) {
	return []Device{h.device}, nil
}

func (h *toneHost) Default() (Device, error) {
	return h.device, nil
}

func (h *toneHost) Close() error {
	return h.device.Close()
}

// toneDevice synthesizes a sine wave in real time. It accepts any PCM
// layout, which makes it useful for exercising the decoder end to end
// without hardware.
type toneDevice struct {
	hz        float64
	amplitude float64 // fraction of full scale
	log       zerolog.Logger
	now       func() time.Time

	mu           sync.Mutex
	open         bool
	running      bool
	format       pcm.Format
	enc          *pcm.Encoder
	bufferFrames int
	phase        uint64
	started      time.Time
	produced     uint64
	pending      []byte
	scratch      []int32
}

func newToneDevice(hz float64, log zerolog.Logger) *toneDevice {
	if hz <= 0 {
		hz = 440
	}
	return &toneDevice{
		hz:        hz,
		amplitude: 0.5,
		log:       log.With().Str("device", "tone").Logger(),
		now:       time.Now,
	}
}

func (d *toneDevice) Name() string {
	return fmt.Sprintf("Test tone (%g Hz)", d.hz)
}

func (d *toneDevice) Formats() []pcm.Format {
	var formats []pcm.Format
	for _, ch := range []int{1, 2} {
		for _, bits := range []int{16, 24, 32, 8} {
			for _, signed := range []bool{true, false} {
				for _, be := range []bool{false, true} {
					if bits == 8 && be {
						continue
					}
					formats = append(formats, pcm.Format{
						SampleBits: bits,
						Channels:   ch,
						Signed:     signed,
						BigEndian:  be,
					})
				}
			}
		}
	}
	return formats
}

func (d *toneDevice) Open(format pcm.Format, bufferFrames int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return nil
	}
	if format.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate required", pcm.ErrUnsupportedFormat)
	}
	enc, err := pcm.NewEncoder(format)
	if err != nil {
		return err
	}
	if bufferFrames <= 0 {
		bufferFrames = int(format.SampleRate)
	}

	d.open = true
	d.format = format
	d.enc = enc
	d.bufferFrames = bufferFrames
	d.phase = 0
	d.pending = nil
	return nil
}

func (d *toneDevice) BufferFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufferFrames
}

func (d *toneDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrDeviceClosed
	}
	if !d.running {
		d.running = true
		d.resetClockLocked()
	}
	return nil
}

func (d *toneDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.running = false
	return nil
}

func (d *toneDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrDeviceClosed
	}
	d.pending = nil
	d.resetClockLocked()
	return nil
}

func (d *toneDevice) resetClockLocked() {
	d.started = d.now()
	d.produced = 0
}

// due returns how many frames the wall clock says should exist but have
// not been produced yet.
func (d *toneDevice) dueLocked() int64 {
	elapsed := d.now().Sub(d.started).Seconds()
	return int64(elapsed*d.format.SampleRate) - int64(d.produced)
}

func (d *toneDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, ErrDeviceClosed
	}
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		return n, nil
	}
	if !d.running {
		d.mu.Unlock()
		time.Sleep(PollInterval)
		d.mu.Lock()
		return 0, nil
	}

	due := d.dueLocked()
	if due <= 0 {
		wait := time.Duration(float64(1-due) / d.format.SampleRate * float64(time.Second))
		d.mu.Unlock()
		time.Sleep(min(wait, PollInterval))
		d.mu.Lock()
		if !d.open {
			return 0, ErrDeviceClosed
		}
		if due = d.dueLocked(); due <= 0 {
			return 0, nil
		}
	}

	var overflow error
	if due > int64(d.bufferFrames) {
		lost := uint64(due) - uint64(d.bufferFrames)
		d.produced += lost
		d.phase += lost
		due = int64(d.bufferFrames)
		overflow = fmt.Errorf("%w: %d frames", ErrOverflow, lost)
	}

	fb := d.format.FrameBytes()
	frames := max(1, min(int(due), len(p)/fb))
	out := d.generateLocked(frames)

	n := copy(p, out)
	d.pending = out[n:]
	return n, overflow
}

// generateLocked synthesizes the next frames and returns their encoding.
func (d *toneDevice) generateLocked(frames int) []byte {
	amp, zero := pcm.FullScale(d.format)
	ch := d.format.Channels

	if cap(d.scratch) < frames*ch {
		d.scratch = make([]int32, frames*ch)
	}
	samples := d.scratch[:frames*ch]

	step := 2 * math.Pi * d.hz / d.format.SampleRate
	for i := 0; i < frames; i++ {
		v := zero + int64(math.Round(d.amplitude*float64(amp)*math.Sin(step*float64(d.phase))))
		for c := 0; c < ch; c++ {
			samples[i*ch+c] = int32(uint32(v))
		}
		d.phase++
	}
	d.produced += uint64(frames)

	return d.enc.EncodeAll(samples)
}

func (d *toneDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.open = false
	d.running = false
	d.enc = nil
	d.pending = nil
	return nil
}
