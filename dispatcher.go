package realtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// dispatcher owns the receive side of a session. It is the only writer of
// phase transitions driven by server events.
type dispatcher struct {
	s       *Session
	ctx     context.Context
	logger  shared.LoggerAdapter
	sink    TranscriptSink
	delta   DeltaHook
	errHook ErrorHook

	// calls already handed to a capability, by call id
	calls map[string]struct{}
}

var _ EventVisitor = (*dispatcher)(nil)

func newDispatcher(s *Session, ctx context.Context) *dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &dispatcher{
		s:       s,
		ctx:     ctx,
		logger:  s.logger.With(zap.String("loop", "dispatch")),
		sink:    s.sink,
		delta:   s.delta,
		errHook: s.errHook,
		calls:   make(map[string]struct{}),
	}
}

func (d *dispatcher) run() error {
	for {
		if d.ctx.Err() != nil {
			return nil
		}
		data, err := d.s.conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.logger.Info("event stream ended")
				d.s.requestShutdown(shared.NewError(shared.KindTransport, "receive", io.EOF))
				return nil
			}
			if d.ctx.Err() != nil || d.s.phase.Load() >= PhaseDraining {
				return nil
			}
			d.s.requestShutdown(err)
			return err
		}
		event, err := DecodeEvent(data)
		if err != nil {
			if errors.Is(err, shared.ErrUnknownEvent) {
				d.logger.Trace("ignoring event", zap.Error(err))
				continue
			}
			d.s.metrics.decodeError()
			d.logger.Warn("dropping malformed event", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if err := Visit(event, d); err != nil {
			d.s.requestShutdown(err)
			return err
		}
	}
}

func (d *dispatcher) OnSessionCreated(e *SessionCreated) error {
	if d.s.phase.Load() == PhaseConnecting {
		d.s.advance(PhaseConfigured)
	}
	d.logger.Info("session created", zap.String("sessionId", e.SessionID))
	return nil
}

func (d *dispatcher) OnSessionUpdated(*SessionUpdated) error {
	if d.s.activated.Load() {
		return nil
	}
	if p := d.s.phase.Load(); p == PhaseConnecting || p == PhaseConfigured {
		d.s.activated.Store(true)
		d.s.advance(PhaseActive)
		d.logger.Info("session active")
	}
	return nil
}

func (d *dispatcher) OnInputTranscriptionCompleted(e *InputTranscriptionCompleted) error {
	d.transcript(RoleUser, e.Transcript)
	return nil
}

func (d *dispatcher) OnOutputTranscriptDelta(e *OutputTranscriptDelta) error {
	if d.delta != nil && e.Delta != "" {
		d.delta(RoleAssistant, e.Delta)
	}
	return nil
}

func (d *dispatcher) OnOutputTranscriptDone(e *OutputTranscriptDone) error {
	d.transcript(RoleAssistant, e.Transcript)
	return nil
}

func (d *dispatcher) transcript(role Role, text string) {
	if text == "" {
		return
	}
	d.s.metrics.transcript(role)
	if d.sink != nil {
		d.sink(role, text)
	}
}

func (d *dispatcher) OnOutputAudioDelta(e *OutputAudioDelta) error {
	if len(e.Audio) == 0 {
		return nil
	}
	dropped := d.s.queue.Push(e.Audio)
	d.s.metrics.chunkQueued(dropped)
	if dropped {
		d.logger.Warn("playback queue full, dropped oldest chunk")
	}
	return nil
}

func (d *dispatcher) OnOutputAudioDone(e *OutputAudioDone) error {
	d.logger.Trace("output audio done", zap.String("responseId", e.ResponseID))
	return nil
}

func (d *dispatcher) OnError(e *ErrorEvent) error {
	err := e.Err()
	d.s.metrics.serverError(e.Code)
	if d.s.fatal(e) {
		d.logger.Error("fatal server error", err, zap.String("type", e.ErrType), zap.String("param", e.Param))
		return err
	}
	d.logger.Warn("server error", zap.Error(err), zap.String("type", e.ErrType), zap.String("param", e.Param))
	if d.errHook != nil {
		d.errHook(err)
	}
	return nil
}

func (d *dispatcher) OnFunctionCallRequested(e *FunctionCallRequested) error {
	if _, ok := d.calls[e.CallID]; ok {
		return nil
	}
	if e.Name == "" {
		// preview servers name the function in output_item.done
		d.logger.Debug("function call without name, waiting for output item", zap.String("callId", e.CallID))
		return nil
	}
	d.calls[e.CallID] = struct{}{}
	call := *e
	d.s.tools.Add(1)
	go func() {
		defer d.s.tools.Done()
		d.s.callTool(d.ctx, call)
	}()
	return nil
}

// callTool runs one capability and relays its result, or an error payload,
// back to the model.
func (s *Session) callTool(ctx context.Context, call FunctionCallRequested) {
	ctx, span := s.tracer.Start(ctx, "call tool")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.CallID),
	)
	logger := s.logger.With(zap.String("tool", call.Name), zap.String("callId", call.CallID))

	start := time.Now()
	output, err := s.caps.Invoke(ctx, call.Name, call.Arguments)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("tool call failed", err)
		output = errorOutput(err)
	}
	s.metrics.toolCall(call.Name, outcome, time.Since(start).Seconds())

	if err := s.conn.SendToolResult(ctx, call.CallID, output); err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			logger.Error("sending tool result", err)
		}
		return
	}
	logger.Debug("tool result sent", zap.Int("bytes", len(output)))
}
