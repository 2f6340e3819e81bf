package realtime

import (
	"context"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"go.uber.org/zap"
)

const playbackPopTimeout = 100 * time.Millisecond

// playbackLoop writes queued chunks to the device in arrival order. Once the
// session is draining it keeps going until the queue is empty or the drain
// timeout has passed.
func (s *Session) playbackLoop(ctx context.Context) error {
	logger := s.logger.With(zap.String("loop", "playback"))
	if _, err := s.phase.Wait(ctx, func(p Phase) bool { return p >= PhaseActive }); err != nil {
		return nil
	}
	logger.Debug("playback started")
	defer logger.Debug("playback stopped")

	writeCtx := ctx
	var drainDeadline time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.phase.Load() >= PhaseDraining {
			if drainDeadline.IsZero() {
				drainDeadline = time.Now().Add(s.cfg.DrainTimeout)
				var cancel context.CancelFunc
				writeCtx, cancel = context.WithDeadline(ctx, drainDeadline)
				defer cancel()
				logger.Debug("draining playback", zap.Int("queued", s.queue.Len()))
			}
			if s.queue.Len() == 0 {
				return nil
			}
			if !time.Now().Before(drainDeadline) {
				logger.Warn("drain timeout, discarding queued audio", zap.Int("queued", s.queue.Len()))
				return nil
			}
		}
		chunk, ok := s.queue.Pop(ctx, playbackPopTimeout)
		if !ok {
			continue
		}
		if err := s.device.WriteChunk(writeCtx, chunk); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.metrics.deviceWriteError()
			logger.Error("writing audio chunk", shared.NewError(shared.KindDevice, "write chunk", err), zap.Int("bytes", len(chunk)))
			continue
		}
		s.metrics.chunkPlayed()
	}
}
