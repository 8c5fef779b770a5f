// Package session coordinates the lifecycle of one audio input device with
// the capture loop reading from it.
//
// Commands (Open, Start, Stop, Flush, Restart, Reopen, Close) are issued
// from a single controlling goroutine and serialized by the session. The
// capture loop only reads the device while the session is Running; every
// command that touches the device joins the loop first.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/petems/miclevel/internal/audio"
	"github.com/petems/miclevel/internal/capture"
	"github.com/petems/miclevel/internal/pcm"
	"github.com/rs/zerolog"
)

var (
	// ErrNotOpen is returned by commands that need an open device.
	ErrNotOpen = errors.New("session not open")
	// ErrFormatMismatch is returned when Open is called on an open session
	// with a different format.
	ErrFormatMismatch = errors.New("session already open with a different format")
)

// State of a Session.
type State int32

const (
	Closed State = iota
	Open
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Config struct {
	Device       audio.Device
	PacketFrames int
	OnPacket     capture.PacketFunc
	Logger       zerolog.Logger
}

type Session struct {
	dev          audio.Device
	packetFrames int
	onPacket     capture.PacketFunc
	id           string
	log          zerolog.Logger

	state atomic.Int32
	errs  chan error

	mu         sync.Mutex
	format     pcm.Format
	bufferHint int
	devStarted bool
	loop       *capture.Loop
}

func New(cfg Config) (*Session, error) {
	if cfg.Device == nil {
		return nil, errors.New("session: nil device")
	}
	if cfg.OnPacket == nil {
		return nil, errors.New("session: nil packet callback")
	}
	if cfg.PacketFrames <= 0 {
		return nil, fmt.Errorf("session: invalid packet size %d frames", cfg.PacketFrames)
	}

	id := uuid.New().String()
	return &Session{
		dev:          cfg.Device,
		packetFrames: cfg.PacketFrames,
		onPacket:     cfg.OnPacket,
		id:           id,
		log: cfg.Logger.With().
			Str("session", id).
			Str("device", cfg.Device.Name()).
			Logger(),
		errs: make(chan error, 1),
	}, nil
}

// Run opens and starts a session, calls fn, and closes the session on
// every exit path.
func Run(cfg Config, format pcm.Format, bufferFrames int, fn func(*Session) error) (err error) {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.Open(format, bufferFrames); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	return fn(s)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Format returns the format the session was last opened with.
func (s *Session) Format() pcm.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Errors delivers fatal capture errors of a running loop. A fatal error hit
// while a command is stopping the loop is returned by that command instead.
// Either way the session is Stopped and needs Reopen (or Restart) to capture
// again.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Open opens the device. It is a no-op when already open with format.
// bufferFrames > 0 requests a device buffer of that many frames; a device
// that grants a different size is used as is, with a warning.
func (s *Session) Open(format pcm.Format, bufferFrames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(format, bufferFrames)
}

func (s *Session) openLocked(format pcm.Format, bufferFrames int) error {
	if s.State() != Closed {
		if format != s.format {
			return ErrFormatMismatch
		}
		return nil
	}

	if err := s.dev.Open(format, bufferFrames); err != nil {
		return fmt.Errorf("open %s: %w", s.dev.Name(), err)
	}

	granted := s.dev.BufferFrames()
	if bufferFrames > 0 && granted > 0 && granted != bufferFrames {
		s.log.Warn().
			Int("requested_bytes", bufferFrames*format.FrameBytes()).
			Int("granted_bytes", granted*format.FrameBytes()).
			Msg("Couldn't set the desired buffer size, using the device's size instead")
	}

	loop, err := capture.New(capture.Config{
		Source:       s.dev,
		Format:       format,
		PacketFrames: s.packetFrames,
		MaxReadBytes: granted * format.FrameBytes(),
		OnPacket:     s.onPacket,
		OnExit:       s.onFatal,
		Logger:       s.log,
	})
	if err != nil {
		s.dev.Close()
		return err
	}

	s.format = format
	s.bufferHint = bufferFrames
	s.loop = loop
	s.state.Store(int32(Open))

	s.log.Info().
		Str("format", format.String()).
		Int("buffer_frames", granted).
		Int("packet_frames", s.packetFrames).
		Int("packet_bytes", loop.PacketBytes()).
		Msg("Audio input opened")
	return nil
}

// Start starts the device and the capture loop.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Session) startLocked() error {
	switch s.State() {
	case Closed:
		return ErrNotOpen
	case Running:
		return nil
	}

	if !s.devStarted {
		if err := s.dev.Start(); err != nil {
			return fmt.Errorf("start %s: %w", s.dev.Name(), err)
		}
		s.devStarted = true
	}

	s.state.Store(int32(Running))
	if err := s.loop.Start(); err != nil {
		s.state.Store(int32(Stopped))
		return err
	}
	return nil
}

// Stop stops the capture loop, waits for it to exit, then stops the
// device. No packet is delivered after Stop returns.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	state := s.State()
	if state == Closed {
		return nil
	}

	loopErr := s.joinLoop()
	if state == Open && !s.devStarted {
		return nil
	}

	s.state.Store(int32(Stopped))
	if s.devStarted {
		s.devStarted = false
		if err := s.dev.Stop(); err != nil && loopErr == nil {
			return fmt.Errorf("stop %s: %w", s.dev.Name(), err)
		}
	}
	return loopErr
}

// joinLoop stops the capture loop and waits for it. A read that failed
// fatally while the stop was pending never reaches onFatal; that error is
// returned here and the session is left Stopped.
func (s *Session) joinLoop() error {
	if s.loop == nil {
		return nil
	}
	err := s.loop.Stop()
	if err == nil || s.State() != Running {
		// nil, or already delivered on Errors by onFatal
		return nil
	}
	s.state.Store(int32(Stopped))
	s.log.Error().Err(err).Msg("Audio input failed while stopping capture")
	return err
}

// Flush discards audio the device has buffered but not delivered. The
// session state is unchanged.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Closed {
		return ErrNotOpen
	}

	running := s.State() == Running
	if running {
		if err := s.joinLoop(); err != nil {
			return err
		}
	}
	if err := s.dev.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", s.dev.Name(), err)
	}
	if running {
		return s.loop.Start()
	}
	return nil
}

// Restart is Stop followed by Start.
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(); err != nil {
		return err
	}
	return s.startLocked()
}

// Reopen stops, closes, reopens with the same format and buffer request,
// and starts again. The loop has exited before the device closes and is
// not restarted until the device is open again.
func (s *Session) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Closed {
		return ErrNotOpen
	}
	format, hint := s.format, s.bufferHint

	if err := s.closeLocked(); err != nil {
		s.log.Warn().Err(err).Msg("Error while closing for reopen")
	}
	if err := s.openLocked(format, hint); err != nil {
		return err
	}
	return s.startLocked()
}

// Close stops capture and closes the device. It is safe to call more than
// once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.State() == Closed {
		return nil
	}

	stopErr := s.stopLocked()
	closeErr := s.dev.Close()

	s.loop = nil
	s.state.Store(int32(Closed))
	s.log.Info().Msg("Audio input closed")

	if closeErr != nil {
		return fmt.Errorf("close %s: %w", s.dev.Name(), closeErr)
	}
	return stopErr
}

// onFatal runs on the capture goroutine when a read fails irrecoverably.
func (s *Session) onFatal(err error) {
	s.state.CompareAndSwap(int32(Running), int32(Stopped))
	select {
	case s.errs <- err:
	default:
	}
}
