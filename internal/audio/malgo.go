package audio

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/petems/miclevel/internal/pcm"
	"github.com/rs/zerolog"
)

type malgoHost struct {
	ctx *malgo.AllocatedContext
	log zerolog.Logger
}

func newMalgoHost(log zerolog.Logger) (Host, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug().Str("backend", "miniaudio").Msg(message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	return &malgoHost{ctx: ctx, log: log}, nil
}

func (h *malgoHost) Devices() ([]Device, error) {
	infos, err := h.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]Device, 0, len(infos))
	for _, info := range infos {
		id := info.ID
		result = append(result, h.wrap(info.Name(), id.Pointer()))
	}
	return result, nil
}

// Default returns the system default capture device. miniaudio resolves a
// nil device ID to the default.
func (h *malgoHost) Default() (Device, error) {
	return h.wrap("default", nil), nil
}

func (h *malgoHost) Close() error {
	err := h.ctx.Uninit()
	h.ctx.Free()
	return err
}

func (h *malgoHost) wrap(name string, id unsafe.Pointer) *malgoDevice {
	return &malgoDevice{
		host: h,
		name: name,
		id:   id,
		log:  h.log.With().Str("device", name).Logger(),
	}
}

// malgoDevice captures through miniaudio. The data callback runs on a
// miniaudio thread and feeds a ring buffer that Read drains.
type malgoDevice struct {
	host *malgoHost
	name string
	id   unsafe.Pointer
	log  zerolog.Logger

	mu     sync.Mutex
	device *malgo.Device
	ring   *ringBuffer
	format pcm.Format
}

func (d *malgoDevice) Name() string {
	return d.name
}

func (d *malgoDevice) Formats() []pcm.Format {
	var formats []pcm.Format
	for _, ch := range []int{1, 2} {
		for _, f := range []pcm.Format{
			{SampleBits: 16, Signed: true},
			{SampleBits: 24, Signed: true},
			{SampleBits: 32, Signed: true},
			{SampleBits: 8},
		} {
			f.Channels = ch
			f.BigEndian = nativeBigEndian && f.SampleBits > 8
			formats = append(formats, f)
		}
	}
	return formats
}

func malgoFormat(f pcm.Format) (malgo.FormatType, error) {
	switch {
	case f.SampleBits == 8 && !f.Signed:
		return malgo.FormatU8, nil
	case f.SampleBits == 16 && f.Signed:
		return malgo.FormatS16, nil
	case f.SampleBits == 24 && f.Signed:
		return malgo.FormatS24, nil
	case f.SampleBits == 32 && f.Signed:
		return malgo.FormatS32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("%w: miniaudio cannot capture %s", pcm.ErrUnsupportedFormat, f.Name())
}

func (d *malgoDevice) Open(format pcm.Format, bufferFrames int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return nil
	}
	mf, err := malgoFormat(format)
	if err != nil {
		return err
	}
	if format.BytesPerSample() > 1 && format.BigEndian != nativeBigEndian {
		return fmt.Errorf("%w: miniaudio delivers host byte order", pcm.ErrUnsupportedFormat)
	}
	if format.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate required", pcm.ErrUnsupportedFormat)
	}

	ringFrames := bufferFrames
	if ringFrames <= 0 {
		ringFrames = int(format.SampleRate)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.DeviceID = d.id
	cfg.Capture.Format = mf
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	if bufferFrames > 0 {
		cfg.PeriodSizeInFrames = uint32(max(bufferFrames/4, 1))
		cfg.Periods = 4
	}

	ring := newRingBuffer(ringFrames * format.FrameBytes())
	device, err := malgo.InitDevice(d.host.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			ring.Write(input)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	d.device = device
	d.ring = ring
	d.format = format

	d.log.Debug().
		Str("format", format.String()).
		Int("ring_bytes", ring.Capacity()).
		Msg("miniaudio device opened")
	return nil
}

func (d *malgoDevice) BufferFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ring == nil {
		return 0
	}
	return d.ring.Capacity() / d.format.FrameBytes()
}

func (d *malgoDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return ErrDeviceClosed
	}
	return d.device.Start()
}

func (d *malgoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return nil
	}
	return d.device.Stop()
}

func (d *malgoDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ring == nil {
		return ErrDeviceClosed
	}
	d.ring.Reset()
	return nil
}

func (d *malgoDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	ring := d.ring
	d.mu.Unlock()

	if ring == nil {
		return 0, ErrDeviceClosed
	}

	n, dropped := ring.Read(p, PollInterval)
	if dropped > 0 {
		return n, fmt.Errorf("%w: %d bytes", ErrOverflow, dropped)
	}
	return n, nil
}

func (d *malgoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return nil
	}
	d.device.Uninit()
	d.device = nil
	d.ring = nil
	return nil
}
