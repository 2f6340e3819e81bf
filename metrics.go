package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the session counters. A nil *Metrics records nothing.
type Metrics struct {
	FramesSent        prometheus.Counter
	ChunksQueued      prometheus.Counter
	ChunksPlayed      prometheus.Counter
	ChunksDropped     prometheus.Counter
	DecodeErrors      prometheus.Counter
	DeviceWriteErrors prometheus.Counter
	ServerErrors      *prometheus.CounterVec
	Transcripts       *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ToolCallDuration  prometheus.Histogram
	Phase             prometheus.Gauge
}

// NewMetrics creates the session metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_voice_frames_sent_total",
			Help: "Total number of microphone frames sent as input_audio_buffer.append",
		}),
		ChunksQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_voice_chunks_queued_total",
			Help: "Total number of output audio chunks queued for playback",
		}),
		ChunksPlayed: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_voice_chunks_played_total",
			Help: "Total number of output audio chunks written to the device",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_voice_chunks_dropped_total",
			Help: "Total number of queued chunks dropped by a bounded playback queue",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_voice_decode_errors_total",
			Help: "Total number of inbound messages dropped as malformed",
		}),
		DeviceWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_voice_device_write_errors_total",
			Help: "Total number of failed playback device writes",
		}),
		ServerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_voice_server_errors_total",
			Help: "Total number of server error events by code",
		}, []string{"code"}),
		Transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_voice_transcripts_total",
			Help: "Total number of completed transcript units by role",
		}, []string{"role"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_voice_tool_calls_total",
			Help: "Total number of tool calls by name and outcome",
		}, []string{"name", "outcome"}),
		ToolCallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_voice_tool_call_duration_seconds",
			Help:    "Duration of tool calls",
			Buckets: prometheus.DefBuckets,
		}),
		Phase: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_voice_session_phase",
			Help: "Current session phase (0 idle .. 5 closed)",
		}),
	}
}

func (m *Metrics) frameSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

func (m *Metrics) chunkQueued(dropped bool) {
	if m == nil {
		return
	}
	m.ChunksQueued.Inc()
	if dropped {
		m.ChunksDropped.Inc()
	}
}

func (m *Metrics) chunkPlayed() {
	if m != nil {
		m.ChunksPlayed.Inc()
	}
}

func (m *Metrics) decodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) deviceWriteError() {
	if m != nil {
		m.DeviceWriteErrors.Inc()
	}
}

func (m *Metrics) serverError(code string) {
	if m != nil {
		m.ServerErrors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) transcript(role Role) {
	if m != nil {
		m.Transcripts.WithLabelValues(string(role)).Inc()
	}
}

func (m *Metrics) toolCall(name, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(name, outcome).Inc()
	m.ToolCallDuration.Observe(seconds)
}

func (m *Metrics) phase(p Phase) {
	if m != nil {
		m.Phase.Set(float64(p))
	}
}
