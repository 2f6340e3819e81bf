package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/realtime-voice/audio"
	"github.com/bt-bridge/realtime-voice/shared"
)

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderAzure  Provider = "azure"
)

type AudioEncoding string

const (
	EncodingPCM16    AudioEncoding = "pcm16"
	EncodingG711ULaw AudioEncoding = "g711_ulaw"
	EncodingG711ALaw AudioEncoding = "g711_alaw"
)

type TurnDetectionKind string

const (
	TurnDetectionServerVAD   TurnDetectionKind = "server_vad"
	TurnDetectionSemanticVAD TurnDetectionKind = "semantic_vad"
	TurnDetectionNone        TurnDetectionKind = "none"
)

type EndpointConfig struct {
	Provider Provider `yaml:"provider" json:"provider"`
	// BaseURL is https://api.openai.com/v1 for OpenAI or the resource
	// endpoint for Azure. http(s) schemes are rewritten to ws(s).
	BaseURL    string `yaml:"base_url" json:"base_url"`
	Deployment string `yaml:"deployment,omitempty" json:"deployment,omitempty"`
	APIVersion string `yaml:"api_version,omitempty" json:"api_version,omitempty"`
	// Beta selects the flat preview session shape and the OpenAI-Beta header.
	Beta bool `yaml:"beta" json:"beta"`
	// Ephemeral exchanges the credential for a short-lived client secret
	// before dialing. OpenAI only.
	Ephemeral bool `yaml:"ephemeral" json:"ephemeral"`
}

type TurnDetection struct {
	Kind              TurnDetectionKind `yaml:"kind" json:"kind"`
	Threshold         float64           `yaml:"threshold" json:"threshold"`
	PrefixPaddingMs   int               `yaml:"prefix_padding_ms" json:"prefix_padding_ms"`
	SilenceDurationMs int               `yaml:"silence_duration_ms" json:"silence_duration_ms"`
	// Eagerness applies to semantic_vad only: low, medium, high or auto.
	Eagerness string `yaml:"eagerness,omitempty" json:"eagerness,omitempty"`
}

// SessionConfig is fixed before connecting and sent once as session.update.
type SessionConfig struct {
	Endpoint   EndpointConfig `yaml:"endpoint" json:"endpoint"`
	Credential string         `yaml:"-" json:"-"`
	Model      string         `yaml:"model" json:"model"`

	SampleRate   int `yaml:"sample_rate" json:"sample_rate"`
	Channels     int `yaml:"channels" json:"channels"`
	FrameSamples int `yaml:"frame_samples" json:"frame_samples"`

	Instructions       string        `yaml:"instructions" json:"instructions"`
	Voice              string        `yaml:"voice" json:"voice"`
	InputEncoding      AudioEncoding `yaml:"input_encoding" json:"input_encoding"`
	OutputEncoding     AudioEncoding `yaml:"output_encoding" json:"output_encoding"`
	TranscriptionModel string        `yaml:"transcription_model" json:"transcription_model"`
	TurnDetection      TurnDetection `yaml:"turn_detection" json:"turn_detection"`
	SpeechRate         float64       `yaml:"speech_rate" json:"speech_rate"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Endpoint: EndpointConfig{
			Provider: ProviderOpenAI,
			BaseURL:  "https://api.openai.com/v1",
		},
		Model:              "gpt-realtime",
		SampleRate:         24000,
		Channels:           1,
		FrameSamples:       1024,
		Instructions:       "You are a helpful voice assistant. Keep answers short.",
		Voice:              "alloy",
		InputEncoding:      EncodingPCM16,
		OutputEncoding:     EncodingPCM16,
		TranscriptionModel: "whisper-1",
		TurnDetection: TurnDetection{
			Kind:              TurnDetectionServerVAD,
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		SpeechRate:       1.0,
		HandshakeTimeout: 10 * time.Second,
		DrainTimeout:     5 * time.Second,
		ShutdownTimeout:  5 * time.Second,
	}
}

func (c SessionConfig) AudioFormat() audio.Format {
	return audio.Format{
		SampleRate:   c.SampleRate,
		Channels:     c.Channels,
		FrameSamples: c.FrameSamples,
	}
}

// Validate reports every problem with c as a single startup error.
func (c SessionConfig) Validate() error {
	var errs []error
	switch c.Endpoint.Provider {
	case ProviderOpenAI:
		if c.Model == "" {
			errs = append(errs, shared.ErrNoModel)
		}
	case ProviderAzure:
		if c.Endpoint.Deployment == "" {
			errs = append(errs, shared.ErrNoModel)
		}
		if c.Endpoint.APIVersion == "" {
			errs = append(errs, errors.New("azure endpoint requires an api version"))
		}
		if c.Endpoint.Ephemeral {
			errs = append(errs, errors.New("ephemeral credentials are only supported for openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Endpoint.Provider))
	}
	if c.Endpoint.BaseURL == "" {
		errs = append(errs, errors.New("base url is required"))
	} else if u, err := url.Parse(c.Endpoint.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("parsing base url: %w", err))
	} else {
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("unsupported base url scheme %q", u.Scheme))
		}
	}
	if c.Credential == "" {
		errs = append(errs, shared.ErrNoAPIKey)
	}
	if err := c.AudioFormat().Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, enc := range []AudioEncoding{c.InputEncoding, c.OutputEncoding} {
		switch enc {
		case EncodingPCM16, EncodingG711ULaw, EncodingG711ALaw:
		default:
			errs = append(errs, fmt.Errorf("unknown audio encoding %q", enc))
		}
	}
	if c.Voice == "" {
		errs = append(errs, errors.New("voice is required"))
	}
	switch c.TurnDetection.Kind {
	case TurnDetectionServerVAD:
		if c.TurnDetection.Threshold < 0 || c.TurnDetection.Threshold > 1 {
			errs = append(errs, fmt.Errorf("turn detection threshold %v out of range [0, 1]", c.TurnDetection.Threshold))
		}
		if c.TurnDetection.PrefixPaddingMs < 0 || c.TurnDetection.SilenceDurationMs < 0 {
			errs = append(errs, errors.New("turn detection padding must not be negative"))
		}
	case TurnDetectionSemanticVAD:
		switch c.TurnDetection.Eagerness {
		case "", "low", "medium", "high", "auto":
		default:
			errs = append(errs, fmt.Errorf("unknown eagerness %q", c.TurnDetection.Eagerness))
		}
	case TurnDetectionNone:
	default:
		errs = append(errs, fmt.Errorf("unknown turn detection %q", c.TurnDetection.Kind))
	}
	if c.SpeechRate < 0.25 || c.SpeechRate > 1.5 {
		errs = append(errs, fmt.Errorf("speech rate %v out of range [0.25, 1.5]", c.SpeechRate))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake timeout must be positive"))
	}
	if c.DrainTimeout < 0 || c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if len(errs) > 0 {
		return shared.NewError(shared.KindStartup, "validate config", errors.Join(errs...))
	}
	return nil
}
