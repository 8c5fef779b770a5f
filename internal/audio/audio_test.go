package audio

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/petems/miclevel/internal/config"
	"github.com/petems/miclevel/internal/pcm"
	"github.com/rs/zerolog"
)

func TestRingBufferFIFO(t *testing.T) {
	rb := newRingBuffer(8)

	if n := rb.Write([]byte{1, 2, 3, 4, 5}); n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}

	out := make([]byte, 3)
	n, dropped := rb.Read(out, time.Millisecond)
	if n != 3 || dropped != 0 {
		t.Fatalf("expected 3 bytes and no drops, got %d and %d", n, dropped)
	}
	if !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Errorf("unexpected bytes %v", out)
	}

	// wraps around the end of the backing array
	rb.Write([]byte{6, 7, 8, 9, 10})
	out = make([]byte, 16)
	n, _ = rb.Read(out, time.Millisecond)
	if !bytes.Equal(out[:n], []byte{4, 5, 6, 7, 8, 9, 10}) {
		t.Errorf("unexpected bytes after wrap %v", out[:n])
	}
}

func TestRingBufferDropsWhenFull(t *testing.T) {
	rb := newRingBuffer(4)

	if n := rb.Write([]byte{1, 2, 3, 4, 5, 6}); n != 4 {
		t.Fatalf("expected 4 bytes written, got %d", n)
	}

	out := make([]byte, 4)
	n, dropped := rb.Read(out, time.Millisecond)
	if n != 4 || dropped != 2 {
		t.Errorf("expected 4 bytes and 2 dropped, got %d and %d", n, dropped)
	}
}

func TestRingBufferReadTimesOut(t *testing.T) {
	rb := newRingBuffer(4)

	start := time.Now()
	n, _ := rb.Read(make([]byte, 4), 20*time.Millisecond)
	if n != 0 {
		t.Errorf("expected empty read, got %d bytes", n)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("read returned before the timeout")
	}
}

func TestRingBufferReadWakesOnWrite(t *testing.T) {
	rb := newRingBuffer(4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		rb.Write([]byte{42})
	}()

	out := make([]byte, 4)
	n, _ := rb.Read(out, time.Second)
	if n != 1 || out[0] != 42 {
		t.Errorf("expected the written byte, got %d bytes %v", n, out[:n])
	}
}

func TestRingBufferReset(t *testing.T) {
	rb := newRingBuffer(4)
	rb.Write([]byte{1, 2})
	rb.Reset()

	if rb.Available() != 0 {
		t.Errorf("expected empty buffer after reset, got %d bytes", rb.Available())
	}
}

func TestToneDeviceProducesDecodableSine(t *testing.T) {
	for _, name := range []string{"s16le", "s16be", "u8", "s24be", "u32le"} {
		t.Run(name, func(t *testing.T) {
			format, err := pcm.ParseFormat(name)
			if err != nil {
				t.Fatal(err)
			}
			format = format.WithSampleRate(8000)

			d := newToneDevice(1000, zerolog.Nop())
			if err := d.Open(format, 0); err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			defer d.Close()
			if err := d.Start(); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}

			// pretend a full second has passed so reads never wait
			d.now = func() time.Time { return d.started.Add(time.Second) }

			buf := make([]byte, 8*format.FrameBytes())
			read := 0
			for read < len(buf) {
				n, err := d.Read(buf[read:])
				if err != nil {
					t.Fatalf("Read() failed: %v", err)
				}
				read += n
			}

			dec, _ := pcm.NewDecoder(format)
			samples := dec.DecodeAll(buf)

			amp, zero := pcm.FullScale(format)
			peak := 0.5 * float64(amp)
			// 1 kHz at 8 kHz: one cycle is 8 samples, sample 2 is the crest
			want := []float64{0, peak * math.Sqrt2 / 2, peak, peak * math.Sqrt2 / 2, 0}
			for i, w := range want {
				got := float64(int64(uint32(samples[i])) - zero)
				if format.Signed {
					got = float64(samples[i])
				}
				if math.Abs(got-w) > 1 {
					t.Errorf("sample %d: expected %.1f, got %.1f", i, w, got)
				}
			}
		})
	}
}

func TestToneDeviceRequiresOpen(t *testing.T) {
	d := newToneDevice(440, zerolog.Nop())

	if _, err := d.Read(make([]byte, 4)); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("expected ErrDeviceClosed, got %v", err)
	}
	if err := d.Start(); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("expected ErrDeviceClosed from Start, got %v", err)
	}
}

func TestToneDeviceReportsOverflow(t *testing.T) {
	format := pcm.Format{SampleBits: 16, Channels: 1, Signed: true, SampleRate: 1000}
	d := newToneDevice(100, zerolog.Nop())
	if err := d.Open(format, 100); err != nil {
		t.Fatal(err)
	}
	d.Start()
	d.now = func() time.Time { return d.started.Add(time.Second) }

	_, err := d.Read(make([]byte, 64))
	if !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow after falling behind, got %v", err)
	}
}

func TestFileDeviceReadsRawStream(t *testing.T) {
	host, err := newFileHost(config.AudioConfig{Format: "s16be", Channels: 2, SampleRate: 48000, File: "fixture"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	d := host.(*fileHost).device
	d.open = func(string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte{0xFF, 0xFB, 0x00, 0x05})), nil
	}

	formats := d.Formats()
	if len(formats) != 1 || formats[0].Name() != "s16be" || formats[0].Channels != 2 {
		t.Fatalf("unexpected catalog %+v", formats)
	}
	if err := d.Open(formats[0], 0); err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	d.Start()

	buf := make([]byte, 8)
	n, err := d.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("expected 4 bytes, got %d (%v)", n, err)
	}

	dec, _ := pcm.NewDecoder(formats[0])
	got := dec.DecodeAll(buf[:n])
	if got[0] != -5 || got[1] != 5 {
		t.Errorf("unexpected samples %v", got)
	}

	if _, err := d.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestFileDeviceReadGivesUpOnStalledStream(t *testing.T) {
	host, err := newFileHost(config.AudioConfig{File: "-"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	d := host.(*fileHost).device
	pr, pw := io.Pipe()
	defer pw.Close()
	d.open = func(string) (io.ReadCloser, error) { return pr, nil }

	if err := d.Open(d.Formats()[0], 0); err != nil {
		t.Fatal(err)
	}
	d.Start()

	// nothing is ever written, so the read has to time out on its own
	got := make(chan error, 1)
	go func() {
		n, err := d.Read(make([]byte, 4))
		if err == nil && n != 0 {
			err = errors.New("read returned data from an empty pipe")
		}
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Errorf("expected an empty read, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read blocked on a stalled stream")
	}

	if err := d.Close(); err != nil {
		t.Errorf("Close() returned %v", err)
	}
	if _, err := d.Read(make([]byte, 4)); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("expected ErrDeviceClosed after Close, got %v", err)
	}
}

func TestFileDeviceKeepsBytesAcrossSmallReads(t *testing.T) {
	host, err := newFileHost(config.AudioConfig{File: "fixture"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	d := host.(*fileHost).device
	data := []byte{1, 2, 3, 4, 5, 6}
	d.open = func(string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	if err := d.Open(d.Formats()[0], 0); err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	d.Start()

	var got []byte
	buf := make([]byte, 4)
	for {
		n, err := d.Read(buf)
		got = append(got, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected %v, got %v", data, got)
	}
}

func TestFindDeviceAndSelectFormat(t *testing.T) {
	host := newToneHost(config.AudioConfig{ToneHz: 440}, zerolog.Nop())

	d, err := FindDevice(host, "")
	if err != nil {
		t.Fatalf("FindDevice(default) failed: %v", err)
	}
	if _, err := FindDevice(host, "0"); err != nil {
		t.Errorf("FindDevice(0) failed: %v", err)
	}
	if _, err := FindDevice(host, "3"); !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected ErrNoDevice for bad index, got %v", err)
	}
	if _, err := FindDevice(host, "nope"); !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected ErrNoDevice for bad name, got %v", err)
	}

	f, err := SelectFormat(d, "", 0, 44100)
	if err != nil {
		t.Fatalf("SelectFormat(first) failed: %v", err)
	}
	if f.SampleRate != 44100 {
		t.Errorf("expected unspecified rate to fall back to 44100, got %v", f.SampleRate)
	}

	f, err = SelectFormat(d, "s24be", 2, 22050)
	if err != nil {
		t.Fatalf("SelectFormat(s24be) failed: %v", err)
	}
	if f.SampleBits != 24 || !f.BigEndian || !f.Signed || f.Channels != 2 || f.SampleRate != 22050 {
		t.Errorf("unexpected format %+v", f)
	}

	if _, err := SelectFormat(d, "999", 0, 44100); err == nil {
		t.Error("expected error for out of range format index")
	}
}
