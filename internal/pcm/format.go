package pcm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxSampleBits is the widest sample the decoder can widen into an int32.
const MaxSampleBits = 32

// ErrUnsupportedFormat is returned for formats the decoder cannot represent.
var ErrUnsupportedFormat = errors.New("unsupported pcm format")

// Format describes how raw PCM samples are laid out in a byte stream.
// A Format is fixed when a device is opened and must not change while
// capture is running.
type Format struct {
	SampleBits int     `yaml:"sample_bits"`
	Channels   int     `yaml:"channels"`
	BigEndian  bool    `yaml:"big_endian"`
	Signed     bool    `yaml:"signed"`
	SampleRate float64 `yaml:"sample_rate"` // 0 means unspecified
}

// BytesPerSample returns ceil(SampleBits / 8).
func (f Format) BytesPerSample() int {
	return (f.SampleBits + 7) / 8
}

// FrameBytes returns the size of one frame (one sample per channel).
func (f Format) FrameBytes() int {
	return f.BytesPerSample() * f.Channels
}

// Validate reports whether the format can be decoded.
func (f Format) Validate() error {
	if f.SampleBits <= 0 || f.SampleBits > MaxSampleBits {
		return fmt.Errorf("%w: %d bit samples", ErrUnsupportedFormat, f.SampleBits)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	if f.SampleRate < 0 {
		return fmt.Errorf("%w: negative sample rate", ErrUnsupportedFormat)
	}
	return nil
}

// WithSampleRate returns a copy of f using rate.
func (f Format) WithSampleRate(rate float64) Format {
	f.SampleRate = rate
	return f
}

// WithChannels returns a copy of f using n channels.
func (f Format) WithChannels(n int) Format {
	f.Channels = n
	return f
}

// Name returns the short encoding name, e.g. "s16le" or "u8".
func (f Format) Name() string {
	var b strings.Builder
	if f.Signed {
		b.WriteByte('s')
	} else {
		b.WriteByte('u')
	}
	b.WriteString(strconv.Itoa(f.SampleBits))
	if f.BytesPerSample() > 1 {
		if f.BigEndian {
			b.WriteString("be")
		} else {
			b.WriteString("le")
		}
	}
	return b.String()
}

func (f Format) String() string {
	enc := "PCM_UNSIGNED"
	if f.Signed {
		enc = "PCM_SIGNED"
	}
	rate := "unknown sample rate"
	if f.SampleRate > 0 {
		rate = strconv.FormatFloat(f.SampleRate, 'f', -1, 64) + " Hz"
	}
	var channels string
	switch f.Channels {
	case 1:
		channels = "mono"
	case 2:
		channels = "stereo"
	default:
		channels = strconv.Itoa(f.Channels) + " channels"
	}
	order := "little-endian"
	if f.BigEndian {
		order = "big-endian"
	}
	return fmt.Sprintf("%s %s, %d bit, %s, %d bytes/frame, %s",
		enc, rate, f.SampleBits, channels, f.FrameBytes(), order)
}

var formatNameRe = regexp.MustCompile(`^([su])(\d{1,2})(le|be)?$`)

// ParseFormat parses a short encoding name such as "s16le", "u8" or
// "s24be". Channels and sample rate are left for the caller to fill in.
// Multi-byte names without an endianness suffix default to little-endian.
func ParseFormat(name string) (Format, error) {
	m := formatNameRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(name)))
	if m == nil {
		return Format{}, fmt.Errorf("%w: cannot parse %q", ErrUnsupportedFormat, name)
	}
	bits, _ := strconv.Atoi(m[2])
	f := Format{
		SampleBits: bits,
		Channels:   1,
		Signed:     m[1] == "s",
		BigEndian:  m[3] == "be",
	}
	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}
