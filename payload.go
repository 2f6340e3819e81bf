package realtime

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
)

// sessionPayload builds the "session" object of session.update in the shape
// the configured API generation expects.
func sessionPayload(cfg SessionConfig, tools []ToolDefinition) (map[string]any, error) {
	var (
		session map[string]any
		err     error
	)
	if cfg.Endpoint.Beta {
		session = betaSessionPayload(cfg)
	} else if session, err = gaSessionPayload(cfg); err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		session["tools"] = tools
		session["tool_choice"] = "auto"
	}
	return session, nil
}

func gaSessionPayload(cfg SessionConfig) (map[string]any, error) {
	params := realtime.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt(cfg.Instructions),
		Audio: realtime.RealtimeAudioConfigParam{
			Input: realtime.RealtimeAudioConfigInputParam{
				Format: realtime.RealtimeAudioFormatsUnionParam{
					OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
						Rate: int64(cfg.SampleRate),
						Type: "audio/pcm",
					},
				},
				Transcription: realtime.AudioTranscriptionParam{
					Model: realtime.AudioTranscriptionModel(cfg.TranscriptionModel),
				},
			},
			Output: realtime.RealtimeAudioConfigOutputParam{
				Format: realtime.RealtimeAudioFormatsUnionParam{
					OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
						Rate: int64(cfg.SampleRate),
						Type: "audio/pcm",
					},
				},
				Voice: realtime.RealtimeAudioConfigOutputVoice(cfg.Voice),
				Speed: param.NewOpt(cfg.SpeechRate),
			},
		},
	}
	switch cfg.TurnDetection.Kind {
	case TurnDetectionServerVAD:
		params.Audio.Input.TurnDetection = realtime.RealtimeAudioInputTurnDetectionUnionParam{
			OfServerVad: &realtime.RealtimeAudioInputTurnDetectionServerVadParam{
				Threshold:         param.NewOpt(cfg.TurnDetection.Threshold),
				PrefixPaddingMs:   param.NewOpt(int64(cfg.TurnDetection.PrefixPaddingMs)),
				SilenceDurationMs: param.NewOpt(int64(cfg.TurnDetection.SilenceDurationMs)),
				CreateResponse:    param.NewOpt(true),
				InterruptResponse: param.NewOpt(true),
			},
		}
	case TurnDetectionSemanticVAD:
		params.Audio.Input.TurnDetection = realtime.RealtimeAudioInputTurnDetectionUnionParam{
			OfSemanticVad: &realtime.RealtimeAudioInputTurnDetectionSemanticVadParam{
				CreateResponse:    param.NewOpt(true),
				InterruptResponse: param.NewOpt(true),
				Eagerness:         cfg.TurnDetection.Eagerness,
			},
		}
	}

	raw, err := params.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling session params: %w", err)
	}
	var session map[string]any
	if err := sonic.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session params: %w", err)
	}
	session["type"] = "realtime"

	audio, _ := session["audio"].(map[string]any)
	if audio == nil {
		return nil, errors.New("session params carry no audio config")
	}
	input, _ := audio["input"].(map[string]any)
	output, _ := audio["output"].(map[string]any)
	if input == nil || output == nil {
		return nil, errors.New("session params carry no audio input or output")
	}
	// g711 formats have no rate; they replace the pcm object whole.
	if f := gaFormat(cfg.InputEncoding); f != nil {
		input["format"] = f
	}
	if f := gaFormat(cfg.OutputEncoding); f != nil {
		output["format"] = f
	}
	if cfg.TurnDetection.Kind == TurnDetectionNone {
		input["turn_detection"] = nil
	}
	return session, nil
}

func gaFormat(enc AudioEncoding) map[string]any {
	switch enc {
	case EncodingG711ULaw:
		return map[string]any{"type": "audio/pcmu"}
	case EncodingG711ALaw:
		return map[string]any{"type": "audio/pcma"}
	default:
		return nil
	}
}

// betaSessionPayload is the flat preview shape still served by Azure.
func betaSessionPayload(cfg SessionConfig) map[string]any {
	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"instructions":        cfg.Instructions,
		"voice":               cfg.Voice,
		"input_audio_format":  string(cfg.InputEncoding),
		"output_audio_format": string(cfg.OutputEncoding),
		"input_audio_transcription": map[string]any{
			"model": cfg.TranscriptionModel,
		},
	}
	switch cfg.TurnDetection.Kind {
	case TurnDetectionServerVAD:
		session["turn_detection"] = map[string]any{
			"type":                string(TurnDetectionServerVAD),
			"threshold":           cfg.TurnDetection.Threshold,
			"prefix_padding_ms":   cfg.TurnDetection.PrefixPaddingMs,
			"silence_duration_ms": cfg.TurnDetection.SilenceDurationMs,
		}
	case TurnDetectionSemanticVAD:
		td := map[string]any{"type": string(TurnDetectionSemanticVAD)}
		if cfg.TurnDetection.Eagerness != "" {
			td["eagerness"] = cfg.TurnDetection.Eagerness
		}
		session["turn_detection"] = td
	case TurnDetectionNone:
		session["turn_detection"] = nil
	}
	if cfg.SpeechRate != 1.0 {
		session["speed"] = cfg.SpeechRate
	}
	return session
}
