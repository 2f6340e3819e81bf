package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/realtime-voice/audio"
	"github.com/bt-bridge/realtime-voice/shared"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptSink receives each completed transcript unit exactly once.
type TranscriptSink func(role Role, text string)

// DeltaHook receives partial assistant transcript fragments as they arrive.
type DeltaHook func(role Role, fragment string)

// ErrorHook receives non-fatal server errors.
type ErrorHook func(err error)

// AudioDevice is a PCM16 microphone and speaker opened at one format.
// ReadFrame returns exactly one frame; WriteChunk may block while the
// device buffer is full.
type AudioDevice interface {
	Open(format audio.Format) error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteChunk(ctx context.Context, pcm []byte) error
	Close() error
}

// DefaultFatalErrorCodes end the session when reported by the server.
var DefaultFatalErrorCodes = []string{
	"session_expired",
	"invalid_api_key",
	"insufficient_quota",
	"server_error",
}

// flusher is implemented by devices that buffer audio in front of the
// speaker. Flush returns once that audio has been played.
type flusher interface {
	Flush(ctx context.Context) error
}

var errStopped = errors.New("session stopped")

type Option func(*Session)

func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

func WithCapabilities(c *Capabilities) Option {
	return func(s *Session) { s.caps = c }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) { s.tracer = tp.Tracer(scopeName) }
}

// WithPlaybackQueueLimit bounds the playback queue; the oldest chunk is
// dropped when it is full. Zero means unbounded.
func WithPlaybackQueueLimit(n int) Option {
	return func(s *Session) { s.queueLimit = n }
}

// WithFatalErrorCodes replaces DefaultFatalErrorCodes.
func WithFatalErrorCodes(codes ...string) Option {
	return func(s *Session) {
		s.fatalCodes = make(map[string]bool, len(codes))
		for _, code := range codes {
			s.fatalCodes[code] = true
		}
	}
}

// Session is a single-use realtime voice session. It is started once and
// stopped once; Start after a failed Start still reports ErrAlreadyStarted.
type Session struct {
	logger     shared.LoggerAdapter
	device     AudioDevice
	dialer     Dialer
	caps       *Capabilities
	metrics    *Metrics
	tracer     trace.Tracer
	queueLimit int
	fatalCodes map[string]bool

	mu      sync.Mutex
	running bool
	started bool
	sink    TranscriptSink
	delta   DeltaHook
	errHook ErrorHook
	cause   error

	cfg       SessionConfig
	phase     *phaseState
	activated atomic.Bool
	queue     *PlaybackQueue
	conn      *Connection

	cancel        context.CancelCauseFunc
	cancelCapture context.CancelFunc
	group         errgroup.Group
	tools         sync.WaitGroup

	shutdownOnce sync.Once
	deviceOnce   sync.Once
	doneOnce     sync.Once
	done         chan struct{}
}

func NewSession(logger shared.LoggerAdapter, device AudioDevice, opts ...Option) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if device == nil {
		return nil, shared.ErrNoDevice
	}
	s := &Session{
		logger: logger.With(zap.String("component", "session")),
		device: device,
		tracer: tracer,
		phase:  newPhaseState(),
		done:   make(chan struct{}),
	}
	WithFatalErrorCodes(DefaultFatalErrorCodes...)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Session) RegisterTranscriptSink(sink TranscriptSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return shared.ErrSessionAlreadyRunning
	}
	if s.sink != nil {
		return shared.ErrSinkAlreadySet
	}
	if sink == nil {
		return errors.New("sink is required")
	}
	s.sink = sink
	return nil
}

func (s *Session) RegisterDeltaHook(hook DeltaHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return shared.ErrSessionAlreadyRunning
	}
	if s.delta != nil {
		return shared.ErrDeltaHookAlreadySet
	}
	if hook == nil {
		return errors.New("hook is required")
	}
	s.delta = hook
	return nil
}

func (s *Session) RegisterErrorHook(hook ErrorHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return shared.ErrSessionAlreadyRunning
	}
	if s.errHook != nil {
		return shared.ErrErrorHookAlreadySet
	}
	if hook == nil {
		return errors.New("hook is required")
	}
	s.errHook = hook
	return nil
}

func (s *Session) Phase() Phase {
	return s.phase.Load()
}

// Done is closed once the session has reached PhaseClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is the reason the session shut down, nil when it was stopped by Stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Queue exposes the playback queue, mainly for inspection. It is nil until
// Start has been called.
func (s *Session) Queue() *PlaybackQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// Start opens the device, connects and configures the session, and returns
// once the server has acknowledged the configuration. ctx bounds only the
// start itself; the running session is ended with Stop.
func (s *Session) Start(ctx context.Context, cfg SessionConfig) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return shared.ErrAlreadyStarted
	}
	s.running = true
	s.cfg = cfg
	s.queue = NewPlaybackQueue(s.queueLimit)
	s.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		s.closeEarly(err)
		return err
	}
	if err := s.device.Open(cfg.AudioFormat()); err != nil {
		err = shared.NewError(shared.KindStartup, "open device", err)
		s.closeEarly(err)
		return err
	}
	s.advance(PhaseConnecting)

	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancelHandshake()
	conn, err := Connect(handshakeCtx, s.dialer, cfg, s.caps.Definitions(), s.logger)
	if err != nil {
		s.closeEarly(err)
		return err
	}
	s.conn = conn

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	captureCtx, cancelCapture := context.WithCancel(runCtx)
	s.cancel = cancel
	s.cancelCapture = cancelCapture

	d := newDispatcher(s, runCtx)
	s.group.Go(func() error { return d.run() })
	s.group.Go(func() error { return s.captureLoop(captureCtx) })
	s.group.Go(func() error { return s.playbackLoop(runCtx) })
	go s.supervise()

	_, err = s.phase.Wait(handshakeCtx, func(p Phase) bool { return p >= PhaseActive })
	if !s.activated.Load() {
		cause := s.Err()
		if cause == nil {
			cause = err
		}
		if cause == nil {
			cause = errors.New("session closed before it became active")
		}
		s.requestShutdown(cause)
		s.cancel(cause)
		<-s.done
		return shared.NewError(shared.KindStartup, "handshake", cause)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.logger.Info("session started", zap.Int("sampleRate", cfg.SampleRate), zap.String("voice", cfg.Voice))
	return nil
}

// Stop ends the session and releases every resource. It is a no-op before
// Start has returned successfully and safe to call more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.requestShutdown(nil)
	s.cancel(errStopped)

	if s.cfg.ShutdownTimeout > 0 {
		timer := time.NewTimer(s.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-s.done:
			return nil
		case <-timer.C:
			s.logger.Warn("session did not stop in time, closing device", zap.Duration("timeout", s.cfg.ShutdownTimeout))
			s.closeDevice()
		}
	}
	<-s.done
	return nil
}

// requestShutdown records the first cause and moves the session to
// draining. Capture stops at once; playback drains what is queued.
func (s *Session) requestShutdown(cause error) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		if cause != nil {
			s.logger.Error("shutting down session", cause)
		} else {
			s.logger.Info("stopping session")
		}
		s.advance(PhaseDraining)
		if s.cancelCapture != nil {
			s.cancelCapture()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *Session) supervise() {
	if err := s.group.Wait(); err != nil {
		s.logger.Debug("session loops ended", zap.Error(err))
	}
	s.requestShutdown(nil)
	s.cancel(errStopped)

	toolsDone := make(chan struct{})
	go func() {
		s.tools.Wait()
		close(toolsDone)
	}()
	if s.cfg.ShutdownTimeout > 0 {
		timer := time.NewTimer(s.cfg.ShutdownTimeout)
		select {
		case <-toolsDone:
		case <-timer.C:
			s.logger.Warn("abandoning in-flight tool calls")
		}
		timer.Stop()
	} else {
		<-toolsDone
	}

	_ = s.conn.Close()
	if s.Err() != nil && s.cfg.DrainTimeout > 0 {
		s.flushDevice()
	}
	s.closeDevice()
	s.advance(PhaseClosed)
	s.logger.Info("session closed", zap.Int("droppedChunks", s.queue.Dropped()))
	s.doneOnce.Do(func() { close(s.done) })
}

// closeEarly finishes a Start that failed before the loops were launched.
func (s *Session) closeEarly(cause error) {
	s.mu.Lock()
	s.cause = cause
	s.mu.Unlock()
	s.logger.Error("starting session", cause)
	s.closeDevice()
	s.advance(PhaseClosed)
	s.doneOnce.Do(func() { close(s.done) })
}

// flushDevice lets the device play out what the drain handed it, bounded
// by DrainTimeout.
func (s *Session) flushDevice() {
	f, ok := s.device.(flusher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := f.Flush(ctx); err != nil {
		s.logger.Warn("flushing audio device", zap.Error(err))
	}
}

func (s *Session) closeDevice() {
	s.deviceOnce.Do(func() {
		if err := s.device.Close(); err != nil {
			s.logger.Error("closing audio device", err)
		}
	})
}

func (s *Session) advance(p Phase) bool {
	prev, ok := s.phase.Advance(p)
	if ok {
		s.metrics.phase(p)
		s.logger.Debug("phase changed", zap.Stringer("prev", prev), zap.Stringer("new", p))
	}
	return ok
}

// fatal reports whether a server error ends the session.
func (s *Session) fatal(e *ErrorEvent) bool {
	if !s.activated.Load() {
		return true
	}
	return s.fatalCodes[e.Code]
}
