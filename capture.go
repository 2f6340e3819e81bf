package realtime

import (
	"context"

	"github.com/bt-bridge/realtime-voice/shared"
	"go.uber.org/zap"
)

// captureLoop streams microphone frames while the session is active. ctx is
// cancelled as soon as the session starts draining.
func (s *Session) captureLoop(ctx context.Context) error {
	logger := s.logger.With(zap.String("loop", "capture"))
	if _, err := s.phase.Wait(ctx, func(p Phase) bool { return p >= PhaseActive }); err != nil {
		return nil
	}
	logger.Debug("capture started")
	defer logger.Debug("capture stopped")
	for {
		if ctx.Err() != nil || s.phase.Load() >= PhaseDraining {
			return nil
		}
		frame, err := s.device.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = shared.NewError(shared.KindDevice, "read frame", err)
			s.requestShutdown(err)
			return err
		}
		if err := s.conn.SendAudio(ctx, frame); err != nil {
			if ctx.Err() != nil || s.phase.Load() >= PhaseDraining {
				return nil
			}
			s.requestShutdown(err)
			return err
		}
		s.metrics.frameSent()
	}
}
