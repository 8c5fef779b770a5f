package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/petems/miclevel/internal/pcm"
	"github.com/rs/zerolog"
)

type portAudioHost struct {
	log zerolog.Logger
}

func newPortAudioHost(log zerolog.Logger) (Host, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioHost{log: log}, nil
}

func (h *portAudioHost) Devices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, h.wrap(d))
		}
	}
	return result, nil
}

func (h *portAudioHost) Default() (Device, error) {
	d, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to get default input device: %w", err)
	}
	return h.wrap(d), nil
}

func (h *portAudioHost) Close() error {
	return portaudio.Terminate()
}

func (h *portAudioHost) wrap(d *portaudio.DeviceInfo) *portAudioDevice {
	return &portAudioDevice{
		info: d,
		log:  h.log.With().Str("device", d.Name).Logger(),
	}
}

// paStream is the part of *portaudio.Stream a device drives after open.
type paStream interface {
	Start() error
	Stop() error
	Abort() error
	Read() error
	Close() error
}

// portAudioDevice reads from a blocking PortAudio input stream. The stream
// is bound to a typed sample buffer; Read turns each host buffer into
// host-order bytes and hands them out in whatever slices the caller asks
// for.
type portAudioDevice struct {
	info *portaudio.DeviceInfo
	log  zerolog.Logger

	stream       paStream
	started      bool
	format       pcm.Format
	samples      any
	raw          []byte
	pending      []byte
	bufferFrames int
}

func (d *portAudioDevice) Name() string {
	return d.info.Name
}

func (d *portAudioDevice) Formats() []pcm.Format {
	encodings := []pcm.Format{
		{SampleBits: 16, Signed: true},
		{SampleBits: 24, Signed: true},
		{SampleBits: 32, Signed: true},
		{SampleBits: 8, Signed: true},
		{SampleBits: 8},
	}

	var formats []pcm.Format
	for _, ch := range []int{1, 2} {
		if ch > d.info.MaxInputChannels {
			break
		}
		for _, f := range encodings {
			f.Channels = ch
			f.BigEndian = nativeBigEndian && f.SampleBits > 8
			f.SampleRate = d.info.DefaultSampleRate
			formats = append(formats, f)
		}
	}
	return formats
}

// newSampleBuffer returns the typed PortAudio buffer matching f.
func newSampleBuffer(f pcm.Format, samples int) (any, error) {
	switch {
	case f.SampleBits == 8 && !f.Signed:
		return make([]uint8, samples), nil
	case f.SampleBits == 8:
		return make([]int8, samples), nil
	case f.SampleBits == 16 && f.Signed:
		return make([]int16, samples), nil
	case f.SampleBits == 24 && f.Signed:
		return make([]portaudio.Int24, samples), nil
	case f.SampleBits == 32 && f.Signed:
		return make([]int32, samples), nil
	}
	return nil, fmt.Errorf("%w: PortAudio cannot capture %s", pcm.ErrUnsupportedFormat, f.Name())
}

func (d *portAudioDevice) Open(format pcm.Format, bufferFrames int) error {
	if d.stream != nil {
		return nil
	}
	if format.BytesPerSample() > 1 && format.BigEndian != nativeBigEndian {
		return fmt.Errorf("%w: PortAudio delivers host byte order", pcm.ErrUnsupportedFormat)
	}
	if format.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate required", pcm.ErrUnsupportedFormat)
	}

	// One host read must fit in a poll interval so that stop requests are
	// seen promptly.
	readFrames := int(format.SampleRate * PollInterval.Seconds() / 2)
	if bufferFrames > 0 && bufferFrames < readFrames {
		readFrames = bufferFrames
	}
	readFrames = max(readFrames, 1)

	samples, err := newSampleBuffer(format, readFrames*format.Channels)
	if err != nil {
		return err
	}

	latency := d.info.DefaultHighInputLatency
	if bufferFrames > 0 {
		latency = time.Duration(float64(bufferFrames) / format.SampleRate * float64(time.Second))
	}

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   d.info,
			Channels: format.Channels,
			Latency:  latency,
		},
		SampleRate:      format.SampleRate,
		FramesPerBuffer: readFrames,
	}, samples)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}

	d.stream = stream
	d.started = false
	d.format = format
	d.samples = samples
	d.raw = make([]byte, readFrames*format.FrameBytes())
	d.pending = nil
	d.bufferFrames = int(math.Round(stream.Info().InputLatency.Seconds() * format.SampleRate))

	d.log.Debug().
		Str("format", format.String()).
		Int("read_frames", readFrames).
		Dur("latency", stream.Info().InputLatency).
		Msg("PortAudio stream opened")
	return nil
}

func (d *portAudioDevice) BufferFrames() int {
	return d.bufferFrames
}

func (d *portAudioDevice) Start() error {
	if d.stream == nil {
		return ErrDeviceClosed
	}
	if d.started {
		return nil
	}
	if err := d.stream.Start(); err != nil {
		return err
	}
	d.started = true
	return nil
}

func (d *portAudioDevice) Stop() error {
	if d.stream == nil || !d.started {
		return nil
	}
	d.started = false
	return d.stream.Stop()
}

func (d *portAudioDevice) Flush() error {
	if d.stream == nil {
		return ErrDeviceClosed
	}
	d.pending = nil
	// A stopped stream holds nothing, and PortAudio refuses to abort it.
	if !d.started {
		return nil
	}
	// Abort drops whatever the host has buffered.
	if err := d.stream.Abort(); err != nil {
		d.started = false
		return fmt.Errorf("failed to abort stream: %w", err)
	}
	if err := d.stream.Start(); err != nil {
		d.started = false
		return fmt.Errorf("failed to restart stream: %w", err)
	}
	return nil
}

func (d *portAudioDevice) Read(p []byte) (int, error) {
	if d.stream == nil {
		return 0, ErrDeviceClosed
	}

	var overflow error
	if len(d.pending) == 0 {
		if err := d.stream.Read(); err != nil {
			if !errors.Is(err, portaudio.InputOverflowed) {
				return 0, fmt.Errorf("stream read: %w", err)
			}
			overflow = ErrOverflow
		}
		d.pending = d.raw[:d.samplesToBytes()]
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, overflow
}

// samplesToBytes serializes the typed buffer into d.raw in host order.
func (d *portAudioDevice) samplesToBytes() int {
	order := binary.NativeEndian
	switch s := d.samples.(type) {
	case []uint8:
		return copy(d.raw, s)
	case []int8:
		for i, v := range s {
			d.raw[i] = byte(v)
		}
		return len(s)
	case []int16:
		for i, v := range s {
			order.PutUint16(d.raw[i*2:], uint16(v))
		}
		return len(s) * 2
	case []portaudio.Int24:
		for i, v := range s {
			copy(d.raw[i*3:i*3+3], v[:])
		}
		return len(s) * 3
	case []int32:
		for i, v := range s {
			order.PutUint32(d.raw[i*4:], uint32(v))
		}
		return len(s) * 4
	}
	return 0
}

func (d *portAudioDevice) Close() error {
	if d.stream == nil {
		return nil
	}
	err := d.stream.Close()
	d.stream = nil
	d.started = false
	d.samples = nil
	d.pending = nil
	return err
}
