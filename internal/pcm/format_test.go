package pcm

import (
	"errors"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{name: "s16le", want: Format{SampleBits: 16, Channels: 1, Signed: true}},
		{name: "S24BE", want: Format{SampleBits: 24, Channels: 1, Signed: true, BigEndian: true}},
		{name: "u8", want: Format{SampleBits: 8, Channels: 1}},
		{name: "s32", want: Format{SampleBits: 32, Channels: 1, Signed: true}},
		{name: "u12be", want: Format{SampleBits: 12, Channels: 1, BigEndian: true}},
		{name: "f32le", wantErr: true},
		{name: "s64le", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Fatalf("ParseFormat(%q) error = %v, want ErrUnsupportedFormat", tt.name, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFormat(%q) unexpected error: %v", tt.name, err)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %+v, want %+v", tt.name, got, tt.want)
			}
		})
	}
}

func TestFormatNameRoundTrip(t *testing.T) {
	for _, name := range []string{"u8", "s8", "s16le", "s16be", "u24le", "s32be"} {
		f, err := ParseFormat(name)
		if err != nil {
			t.Fatalf("ParseFormat(%q) failed: %v", name, err)
		}
		if f.Name() != name {
			t.Errorf("expected name %q, got %q", name, f.Name())
		}
	}
}

func TestFormatSizes(t *testing.T) {
	f := Format{SampleBits: 20, Channels: 2, Signed: true}
	if got := f.BytesPerSample(); got != 3 {
		t.Errorf("expected 3 bytes per sample, got %d", got)
	}
	if got := f.FrameBytes(); got != 6 {
		t.Errorf("expected 6 bytes per frame, got %d", got)
	}
}

func TestFormatString(t *testing.T) {
	f := Format{SampleBits: 16, Channels: 2, Signed: true, SampleRate: 44100}
	want := "PCM_SIGNED 44100 Hz, 16 bit, stereo, 4 bytes/frame, little-endian"
	if got := f.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	f = Format{SampleBits: 8, Channels: 1}
	want = "PCM_UNSIGNED unknown sample rate, 8 bit, mono, 1 bytes/frame, little-endian"
	if got := f.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestFullScale(t *testing.T) {
	amp, zero := FullScale(Format{SampleBits: 16, Signed: true})
	if amp != 32767 || zero != 0 {
		t.Errorf("s16: got amplitude %d zero %d", amp, zero)
	}
	amp, zero = FullScale(Format{SampleBits: 8})
	if amp != 127 || zero != 128 {
		t.Errorf("u8: got amplitude %d zero %d", amp, zero)
	}
}
