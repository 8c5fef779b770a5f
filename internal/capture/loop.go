// Package capture runs the continuous packet acquisition loop on its own
// goroutine.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petems/miclevel/internal/audio"
	"github.com/petems/miclevel/internal/pcm"
	"github.com/rs/zerolog"
)

// ErrLoopActive is returned when Start is called on a running loop.
var ErrLoopActive = errors.New("capture loop already active")

// State of a Loop.
type State int32

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Source is the part of a device the loop reads from. Read may return
// fewer bytes than requested, including 0 with a nil error, and should not
// block for longer than a short poll interval.
type Source interface {
	Read(p []byte) (int, error)
}

// PacketFunc receives each decoded packet in acquisition order. The slice
// is reused for the next packet and must not be retained.
type PacketFunc func(samples []int32)

// Config describes one capture run.
type Config struct {
	Source       Source
	Format       pcm.Format
	PacketFrames int
	// MaxReadBytes caps a single underlying read, usually the granted
	// device buffer. Zero means a whole packet per read.
	MaxReadBytes int
	OnPacket     PacketFunc
	// OnExit is called on the capture goroutine when the loop stops by
	// itself because of a fatal read error, before Done is closed. It must
	// not block on the goroutine that calls Stop.
	OnExit func(err error)
	Logger zerolog.Logger
}

// Loop pulls fixed-size packets from a Source, decodes them and hands them
// to a callback. A Loop can be started again after it has stopped.
type Loop struct {
	cfg         Config
	dec         *pcm.Decoder
	packetBytes int

	state atomic.Int32
	stop  atomic.Bool

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// New validates cfg and returns an idle loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Source == nil {
		return nil, errors.New("capture: nil source")
	}
	if cfg.OnPacket == nil {
		return nil, errors.New("capture: nil packet callback")
	}
	if cfg.PacketFrames <= 0 {
		return nil, fmt.Errorf("capture: invalid packet size %d frames", cfg.PacketFrames)
	}
	dec, err := pcm.NewDecoder(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	l := &Loop{
		cfg:         cfg,
		dec:         dec,
		packetBytes: cfg.PacketFrames * cfg.Format.FrameBytes(),
	}
	if l.cfg.MaxReadBytes <= 0 || l.cfg.MaxReadBytes > l.packetBytes {
		l.cfg.MaxReadBytes = l.packetBytes
	}
	return l, nil
}

// State returns the current loop state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// PacketBytes returns the size of one raw packet.
func (l *Loop) PacketBytes() int {
	return l.packetBytes
}

// Start launches the capture goroutine.
func (l *Loop) Start() error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrLoopActive
	}

	l.mu.Lock()
	l.stop.Store(false)
	l.err = nil
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.run(done)
	return nil
}

// Stop asks the loop to exit and waits until it has. No packet is delivered
// after Stop returns. The returned error is the fatal read error that ended
// the loop, if any.
func (l *Loop) Stop() error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}

	l.state.CompareAndSwap(int32(Running), int32(Stopping))
	l.stop.Store(true)
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed when the current run has exited.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the error that ended the last run.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) run(done chan struct{}) {
	log := l.cfg.Logger
	log.Debug().
		Int("packet_bytes", l.packetBytes).
		Int("max_read_bytes", l.cfg.MaxReadBytes).
		Msg("Capture loop started")

	buf := make([]byte, l.packetBytes)
	samples := make([]int32, l.dec.SampleCount(l.packetBytes))

	var packets uint64
	err := func() error {
		for {
			ok, err := l.fill(buf)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}

			n := l.dec.Decode(buf, samples)
			l.cfg.OnPacket(samples[:n])
			packets++
		}
	}()

	l.mu.Lock()
	l.err = err
	l.mu.Unlock()

	stopped := l.stop.Load()

	if err != nil {
		log.Error().Err(err).Uint64("packets", packets).Msg("Capture loop terminated")
	} else {
		log.Debug().Uint64("packets", packets).Msg("Capture loop stopped")
	}

	if err != nil && !stopped && l.cfg.OnExit != nil {
		l.cfg.OnExit(err)
	}

	l.state.Store(int32(Idle))
	close(done)
}

// fill reads until buf is full. It returns false when a stop was requested
// before the packet completed; the partial packet is then discarded.
func (l *Loop) fill(buf []byte) (bool, error) {
	read := 0
	for read < len(buf) {
		if l.stop.Load() {
			return false, nil
		}

		end := min(len(buf), read+l.cfg.MaxReadBytes)
		n, err := l.cfg.Source.Read(buf[read:end])
		read += n
		if err == nil {
			continue
		}
		if errors.Is(err, audio.ErrOverflow) {
			l.cfg.Logger.Warn().Err(err).Msg("Input overflow, samples were lost")
			continue
		}
		return false, err
	}
	return true, nil
}
