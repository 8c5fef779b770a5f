package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petems/miclevel/internal/config"
	"github.com/petems/miclevel/internal/pcm"
	"github.com/rs/zerolog"
)

var (
	// ErrOverflow reports that the device dropped input because it was not
	// read fast enough. Capture continues.
	ErrOverflow = errors.New("input overflowed")
	// ErrDeviceClosed is returned by Read on a device that is not open.
	ErrDeviceClosed = errors.New("device closed")
	// ErrNoDevice is returned when no matching input device exists.
	ErrNoDevice = errors.New("no such input device")
)

// PollInterval bounds how long Read may block before returning control to
// the caller.
const PollInterval = 100 * time.Millisecond

// Device is an audio input device.
type Device interface {
	Name() string
	// Formats lists the encodings the device offers. A zero SampleRate
	// means the device accepts any rate.
	Formats() []pcm.Format
	// Open prepares the device for format. bufferFrames <= 0 selects the
	// device default.
	Open(format pcm.Format, bufferFrames int) error
	// BufferFrames returns the granted buffer size, 0 if unknown.
	BufferFrames() int
	Start() error
	Stop() error
	// Flush discards captured audio that has not been read yet.
	Flush() error
	// Read copies captured bytes into p. It may return fewer bytes than
	// len(p), including 0, and blocks no longer than about PollInterval.
	Read(p []byte) (int, error)
	Close() error
}

// Host enumerates the input devices of one backend.
type Host interface {
	Devices() ([]Device, error)
	Default() (Device, error)
	Close() error
}

// NewHost creates the host selected by cfg.Backend.
func NewHost(cfg config.AudioConfig, log zerolog.Logger) (Host, error) {
	switch cfg.Backend {
	case config.BackendPortAudio, "":
		return newPortAudioHost(log)
	case config.BackendMalgo:
		return newMalgoHost(log)
	case config.BackendTone:
		return newToneHost(cfg, log), nil
	case config.BackendFile:
		return newFileHost(cfg, log)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}

// FindDevice resolves id, a device index or name, on h. An empty id picks
// the default input.
func FindDevice(h Host, id string) (Device, error) {
	if id == "" {
		return h.Default()
	}

	devices, err := h.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	if i, err := strconv.Atoi(id); err == nil {
		if i < 0 || i >= len(devices) {
			return nil, fmt.Errorf("%w: index %d", ErrNoDevice, i)
		}
		return devices[i], nil
	}
	for _, d := range devices {
		if strings.EqualFold(d.Name(), id) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDevice, id)
}

// SelectFormat picks a format from the device catalog. name may be an
// index into Formats(), an encoding name such as "s16le", or empty for the
// first entry. channels and rate fill in what the catalog leaves open.
func SelectFormat(d Device, name string, channels int, rate float64) (pcm.Format, error) {
	formats := d.Formats()
	if len(formats) == 0 {
		return pcm.Format{}, fmt.Errorf("device %q offers no formats", d.Name())
	}

	var f pcm.Format
	switch i, err := strconv.Atoi(name); {
	case name == "":
		f = formats[0]
	case err == nil:
		if i < 0 || i >= len(formats) {
			return pcm.Format{}, fmt.Errorf("format index %d out of range", i)
		}
		f = formats[i]
	default:
		want, err := pcm.ParseFormat(name)
		if err != nil {
			return pcm.Format{}, err
		}
		found := false
		for _, c := range formats {
			if c.SampleBits == want.SampleBits && c.Signed == want.Signed && c.BigEndian == want.BigEndian {
				f, found = c, true
				break
			}
		}
		if !found {
			return pcm.Format{}, fmt.Errorf("%w: device %q does not offer %s", pcm.ErrUnsupportedFormat, d.Name(), name)
		}
	}

	if channels > 0 {
		f = f.WithChannels(channels)
	}
	if f.SampleRate == 0 {
		f = f.WithSampleRate(rate)
	}
	return f, f.Validate()
}

// nativeBigEndian reports the host byte order. Hardware backends hand out
// samples in host order.
var nativeBigEndian = func() bool {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	return b[0] == 0
}()
