package meter

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RMS returns sqrt(sum(x^2) / len(samples)). The result for an empty slice
// is NaN; callers always pass whole packets.
func RMS(samples []int32) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// FormatValue renders v with the fewest digits that identify it, always
// keeping a fractional digit: 5 is "5.0", 0.25 is "0.25". Magnitudes
// outside [1e-3, 1e7) use an exponent, as in "2.147483647E9".
func FormatValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case v == 0:
		if math.Signbit(v) {
			return "-0.0"
		}
		return "0.0"
	}

	if abs := math.Abs(v); abs >= 1e-3 && abs < 1e7 {
		return withFraction(strconv.FormatFloat(v, 'f', -1, 64))
	}

	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(v, 'E', -1, 64), "E")
	e, _ := strconv.Atoi(exp)
	return withFraction(mantissa) + "E" + strconv.Itoa(e)
}

func withFraction(s string) string {
	if strings.Contains(s, ".") {
		return s
	}
	return s + ".0"
}

// Flusher discards buffered but unread device audio.
type Flusher interface {
	Flush() error
}

// Printer writes one "RMS: <value>" line per packet while output is
// enabled. Packets are always counted, whether output is enabled or not.
// HandlePacket runs on the capture goroutine; SetOutput may be called from
// any goroutine.
type Printer struct {
	out    io.Writer
	log    zerolog.Logger
	output atomic.Bool
	count  atomic.Uint64

	// guards out, shared with console prompts written by the controller
	mu sync.Mutex

	flusher       Flusher
	flushInterval time.Duration
	nextFlush     time.Time
	now           func() time.Time
}

// Option configures a Printer.
type Option func(*Printer)

// WithAutoFlush flushes f every interval from the packet callback.
func WithAutoFlush(f Flusher, interval time.Duration) Option {
	return func(p *Printer) {
		p.flusher = f
		p.flushInterval = interval
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Printer) {
		p.now = now
	}
}

// NewPrinter returns a Printer with output enabled.
func NewPrinter(out io.Writer, log zerolog.Logger, opts ...Option) *Printer {
	p := &Printer{
		out: out,
		log: log,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.output.Store(true)
	if p.flusher != nil && p.flushInterval > 0 {
		p.nextFlush = p.now().Add(p.flushInterval)
	}
	return p
}

// HandlePacket consumes one decoded packet.
func (p *Printer) HandlePacket(samples []int32) {
	p.count.Add(1)

	if p.output.Load() && len(samples) > 0 {
		p.Println("RMS: " + FormatValue(RMS(samples)))
	}

	if p.flusher == nil || p.flushInterval <= 0 {
		return
	}
	if now := p.now(); !now.Before(p.nextFlush) {
		p.Println("Auto flushing audio input...")
		if err := p.flusher.Flush(); err != nil {
			p.log.Warn().Err(err).Msg("Auto flush failed")
		}
		p.nextFlush = now.Add(p.flushInterval)
	}
}

// SetOutput enables or disables per-packet output.
func (p *Printer) SetOutput(enabled bool) {
	p.output.Store(enabled)
}

// Output reports whether per-packet output is enabled.
func (p *Printer) Output() bool {
	return p.output.Load()
}

// Packets returns the number of packets handled so far.
func (p *Printer) Packets() uint64 {
	return p.count.Load()
}

// Println writes a line to the output, serialized with packet lines.
func (p *Printer) Println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}
