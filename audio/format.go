// Package audio opens microphone and speaker streams as fixed-format PCM16
// devices and provides the frame arithmetic shared by capture and playback.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is fixed: every stream is signed 16-bit little-endian PCM.
const BytesPerSample = 2

// Format describes both directions of a device: the same rate and channel
// count are used for capture and playback.
type Format struct {
	SampleRate int
	Channels   int
	// FrameSamples is the number of samples per channel in one capture frame.
	FrameSamples int
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.FrameSamples <= 0 {
		return errors.New("frame size must be positive")
	}
	return nil
}

// FrameBytes is the byte size of one capture frame.
func (f Format) FrameBytes() int {
	return f.FrameSamples * f.Channels * BytesPerSample
}

// FrameDuration is the wall-clock length of one capture frame.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameSamples) * time.Second / time.Duration(f.SampleRate)
}

// BytesFor is the byte size of d worth of audio in this format.
func (f Format) BytesFor(d time.Duration) int {
	return FrameSamples(d, f.SampleRate, f.Channels) * BytesPerSample
}

// FrameSamples is the number of interleaved samples in duration.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}
