package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

const (
	playbackPeriod  = 100 * time.Millisecond
	playbackPeriods = 4
)

type DeviceOptions struct {
	// CaptureIndex and PlaybackIndex select a device from the backend's
	// enumeration; a negative value picks the system default.
	CaptureIndex  int
	PlaybackIndex int
	// CaptureFrames bounds how many unread capture frames are kept before the
	// oldest is dropped.
	CaptureFrames int
	// PlaybackBuffer bounds how much audio is queued in front of the speaker.
	PlaybackBuffer time.Duration
}

func DefaultDeviceOptions() DeviceOptions {
	return DeviceOptions{
		CaptureIndex:   -1,
		PlaybackIndex:  -1,
		CaptureFrames:  32,
		PlaybackBuffer: 500 * time.Millisecond,
	}
}

// Device is a miniaudio backed microphone and speaker pair. Capture and
// playback run on separate miniaudio devices sharing one context.
type Device struct {
	logger shared.LoggerAdapter
	opts   DeviceOptions

	mu       sync.Mutex
	format   Format
	audioCtx *malgo.AllocatedContext
	capture  *malgo.Device
	playback *malgo.Device
	frames   *frameAssembler
	out      *playbackBuffer
	opened   bool
	closed   bool
}

func NewDevice(logger shared.LoggerAdapter, opts DeviceOptions) (*Device, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.CaptureFrames <= 0 {
		opts.CaptureFrames = DefaultDeviceOptions().CaptureFrames
	}
	if opts.PlaybackBuffer <= 0 {
		opts.PlaybackBuffer = DefaultDeviceOptions().PlaybackBuffer
	}
	return &Device{
		logger: logger.With(zap.String("component", "audio")),
		opts:   opts,
	}, nil
}

func (d *Device) Open(format Format) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if d.opened {
		return errors.New("audio device already open")
	}
	if err := format.Validate(); err != nil {
		return fmt.Errorf("validating audio format: %w", err)
	}
	d.format = format

	d.audioCtx, err = malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		d.logger.Trace("malgo", zap.String("message", message))
	})
	if err != nil {
		return fmt.Errorf("initializing audio context: %w", err)
	}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	d.frames = newFrameAssembler(format.FrameBytes(), d.opts.CaptureFrames)
	d.out = newPlaybackBuffer(max(format.BytesFor(d.opts.PlaybackBuffer), format.FrameBytes()))

	captureCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	captureCfg.SampleRate = uint32(format.SampleRate)
	captureCfg.Capture.Format = malgo.FormatS16
	captureCfg.Capture.Channels = uint32(format.Channels)
	captureCfg.Alsa.NoMMap = 1
	captureCfg.PerformanceProfile = malgo.LowLatency
	captureCfg.PeriodSizeInFrames = uint32(format.FrameSamples)
	captureCfg.Periods = 3
	if d.opts.CaptureIndex >= 0 {
		infos, err := d.audioCtx.Devices(malgo.Capture)
		if err != nil {
			return fmt.Errorf("listing capture devices: %w", err)
		}
		if d.opts.CaptureIndex >= len(infos) {
			return fmt.Errorf("capture device index %d out of range (%d devices)", d.opts.CaptureIndex, len(infos))
		}
		captureCfg.Capture.DeviceID = infos[d.opts.CaptureIndex].ID.Pointer()
		d.logger.Info("using capture device", zap.String("name", infos[d.opts.CaptureIndex].Name()))
	}
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * format.Channels
	d.capture, err = malgo.InitDevice(d.audioCtx.Context, captureCfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(pInput) < n {
				return
			}
			if dropped := d.frames.Write(pInput[:n]); dropped > 0 {
				d.logger.Warn("capture frames dropped", zap.Int("frames", dropped))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("initializing capture device: %w", err)
	}

	playbackCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	playbackCfg.SampleRate = uint32(format.SampleRate)
	playbackCfg.Playback.Format = malgo.FormatS16
	playbackCfg.Playback.Channels = uint32(format.Channels)
	playbackCfg.Alsa.NoMMap = 1
	playbackCfg.PeriodSizeInFrames = uint32(format.BytesFor(playbackPeriod) / bytesPerFrame)
	playbackCfg.Periods = playbackPeriods
	if d.opts.PlaybackIndex >= 0 {
		infos, err := d.audioCtx.Devices(malgo.Playback)
		if err != nil {
			return fmt.Errorf("listing playback devices: %w", err)
		}
		if d.opts.PlaybackIndex >= len(infos) {
			return fmt.Errorf("playback device index %d out of range (%d devices)", d.opts.PlaybackIndex, len(infos))
		}
		playbackCfg.Playback.DeviceID = infos[d.opts.PlaybackIndex].ID.Pointer()
		d.logger.Info("using playback device", zap.String("name", infos[d.opts.PlaybackIndex].Name()))
	}
	d.playback, err = malgo.InitDevice(d.audioCtx.Context, playbackCfg, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n > len(pOutput) {
				n = len(pOutput)
			}
			d.out.Read(pOutput[:n])
		},
	})
	if err != nil {
		return fmt.Errorf("initializing playback device: %w", err)
	}

	if err = d.playback.Start(); err != nil {
		return fmt.Errorf("starting playback device: %w", err)
	}
	if err = d.capture.Start(); err != nil {
		return fmt.Errorf("starting capture device: %w", err)
	}
	d.opened = true
	d.logger.Info(
		"audio device opened",
		zap.Int("sampleRate", format.SampleRate),
		zap.Int("channels", format.Channels),
		zap.Int("frameSamples", format.FrameSamples),
	)
	return nil
}

func (d *Device) ReadFrame(ctx context.Context) ([]byte, error) {
	frames, err := d.ready()
	if err != nil {
		return nil, err
	}
	return frames.Next(ctx)
}

func (d *Device) WriteChunk(ctx context.Context, pcm []byte) error {
	d.mu.Lock()
	out := d.out
	opened := d.opened
	d.mu.Unlock()
	if !opened || out == nil {
		return errors.New("audio device not open")
	}
	if len(pcm)%(BytesPerSample*d.format.Channels) != 0 {
		return fmt.Errorf("chunk of %d bytes is not a whole number of samples", len(pcm))
	}
	return out.Write(ctx, pcm)
}

// Flush waits until the audio written so far has been handed to the
// backend, then for the backend's own periods to play out. It returns early
// when ctx is done.
func (d *Device) Flush(ctx context.Context) error {
	d.mu.Lock()
	out := d.out
	opened := d.opened
	d.mu.Unlock()
	if !opened || out == nil {
		return nil
	}
	if err := out.Drain(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(playbackPeriod * playbackPeriods)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Device) ready() (*frameAssembler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	if !d.opened {
		return nil, errors.New("audio device not open")
	}
	return d.frames, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.release()
	d.logger.Info("audio device closed")
	return nil
}

// release tears down whatever Open managed to create. Caller holds d.mu.
func (d *Device) release() {
	if d.frames != nil {
		d.frames.Close()
	}
	if d.out != nil {
		d.out.Close()
	}
	if d.capture != nil {
		_ = d.capture.Stop()
		d.capture.Uninit()
		d.capture = nil
	}
	if d.playback != nil {
		_ = d.playback.Stop()
		d.playback.Uninit()
		d.playback = nil
	}
	if d.audioCtx != nil {
		_ = d.audioCtx.Uninit()
		d.audioCtx.Free()
		d.audioCtx = nil
	}
	d.opened = false
}
