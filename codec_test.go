package realtime

import (
	"errors"
	"testing"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAudioAppend(t *testing.T) {
	msg, err := EncodeAudioAppend([]byte{0x00, 0x01, 0x02})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"input_audio_buffer.append","audio":"AAEC"}`, string(msg))
}

func TestEncodeToolResult(t *testing.T) {
	msgs, err := EncodeToolResult("call_1", `{"ok":true}`)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var item map[string]any
	require.NoError(t, sonic.Unmarshal(msgs[0], &item))
	assert.Equal(t, "conversation.item.create", item["type"])
	assert.Equal(t, map[string]any{
		"type":    "function_call_output",
		"call_id": "call_1",
		"output":  `{"ok":true}`,
	}, item["item"])

	var create map[string]any
	require.NoError(t, sonic.Unmarshal(msgs[1], &create))
	assert.Equal(t, "response.create", create["type"])
	assert.NotEqual(t, item["event_id"], create["event_id"])
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name string
		data string
		want InboundEvent
	}{
		{
			name: "session created",
			data: `{"type":"session.created","session":{"id":"sess_1","model":"gpt-realtime"}}`,
			want: &SessionCreated{SessionID: "sess_1", Session: map[string]any{"id": "sess_1", "model": "gpt-realtime"}},
		},
		{
			name: "audio delta",
			data: `{"type":"response.output_audio.delta","response_id":"r","item_id":"i","delta":"AAEC"}`,
			want: &OutputAudioDelta{ResponseID: "r", ItemID: "i", Audio: []byte{0, 1, 2}},
		},
		{
			name: "preview audio delta",
			data: `{"type":"response.audio.delta","response_id":"r","item_id":"i","delta":"AAEC"}`,
			want: &OutputAudioDelta{ResponseID: "r", ItemID: "i", Audio: []byte{0, 1, 2}},
		},
		{
			name: "preview transcript delta",
			data: `{"type":"response.audio_transcript.delta","response_id":"r","item_id":"i","delta":"he"}`,
			want: &OutputTranscriptDelta{ResponseID: "r", ItemID: "i", Delta: "he"},
		},
		{
			name: "input transcription",
			data: `{"type":"conversation.item.input_audio_transcription.completed","item_id":"i","content_index":1,"transcript":"hello"}`,
			want: &InputTranscriptionCompleted{ItemID: "i", ContentIndex: 1, Transcript: "hello"},
		},
		{
			name: "nested error",
			data: `{"type":"error","error":{"type":"invalid_request_error","code":"invalid_value","message":"bad","param":"session.voice","event_id":"evt_1"}}`,
			want: &ErrorEvent{ErrType: "invalid_request_error", Code: "invalid_value", Message: "bad", Param: "session.voice", EventID: "evt_1"},
		},
		{
			name: "flat error",
			data: `{"type":"error","code":"server_error","message":"boom"}`,
			want: &ErrorEvent{Code: "server_error", Message: "boom"},
		},
		{
			name: "function call arguments",
			data: `{"type":"response.function_call_arguments.done","response_id":"r","item_id":"i","call_id":"c","name":"f","arguments":"{}"}`,
			want: &FunctionCallRequested{ResponseID: "r", ItemID: "i", CallID: "c", Name: "f", Arguments: "{}"},
		},
		{
			name: "function call item",
			data: `{"type":"response.output_item.done","response_id":"r","item":{"id":"i","type":"function_call","call_id":"c","name":"f","arguments":"{\"a\":1}"}}`,
			want: &FunctionCallRequested{ResponseID: "r", ItemID: "i", CallID: "c", Name: "f", Arguments: `{"a":1}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEventRejectsMalformedInput(t *testing.T) {
	tests := map[string]string{
		"not json":              `{"type":`,
		"no type":               `{"delta":"AAEC"}`,
		"bad base64":            `{"type":"response.output_audio.delta","delta":"%%%"}`,
		"missing delta":         `{"type":"response.output_audio.delta"}`,
		"missing session":       `{"type":"session.updated"}`,
		"missing call id":       `{"type":"response.function_call_arguments.done","arguments":"{}"}`,
		"error without message": `{"type":"error","error":{"code":"x"}}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(data))
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrDecode)
		})
	}
}

func TestDecodeEventSkipsUnknownTypes(t *testing.T) {
	for _, data := range []string{
		`{"type":"response.created","response":{}}`,
		`{"type":"response.output_item.done","item":{"type":"message"}}`,
	} {
		_, err := DecodeEvent([]byte(data))
		assert.ErrorIs(t, err, shared.ErrUnknownEvent)
		assert.False(t, errors.Is(err, shared.ErrDecode))
	}
}

func TestErrorEventErr(t *testing.T) {
	e := &ErrorEvent{Code: "session_expired", Message: "expired"}
	err := e.Err()
	assert.Equal(t, shared.KindProtocol, shared.KindOf(err))
	assert.ErrorIs(t, err, &shared.Error{Kind: shared.KindProtocol, Code: "session_expired"})
	assert.NotErrorIs(t, err, &shared.Error{Kind: shared.KindProtocol, Code: "server_error"})
}

func TestEncodeSessionUpdateGA(t *testing.T) {
	cfg := testConfig()
	cfg.Instructions = "Be brief."
	cfg.Voice = "verse"

	msg, err := EncodeSessionUpdate(cfg, nil)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, sonic.Unmarshal(msg, &m))
	assert.Equal(t, "session.update", m["type"])
	session := m["session"].(map[string]any)
	assert.Equal(t, "realtime", session["type"])
	assert.Equal(t, "Be brief.", session["instructions"])
	assert.NotContains(t, session, "tools")

	audio := session["audio"].(map[string]any)
	input := audio["input"].(map[string]any)
	output := audio["output"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "audio/pcm", "rate": float64(16000)}, input["format"])
	assert.Equal(t, "verse", output["voice"])
	assert.Equal(t, "whisper-1", input["transcription"].(map[string]any)["model"])
	vad := input["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", vad["type"])
	assert.Equal(t, float64(500), vad["silence_duration_ms"])
}

func TestEncodeSessionUpdateGAOptions(t *testing.T) {
	cfg := testConfig()
	cfg.InputEncoding = EncodingG711ULaw
	cfg.OutputEncoding = EncodingG711ALaw
	cfg.TurnDetection = TurnDetection{Kind: TurnDetectionNone}

	session, err := sessionPayload(cfg, []ToolDefinition{{Type: "function", Name: "f"}})
	require.NoError(t, err)
	audio := session["audio"].(map[string]any)
	input := audio["input"].(map[string]any)
	output := audio["output"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "audio/pcmu"}, input["format"])
	assert.Equal(t, map[string]any{"type": "audio/pcma"}, output["format"])
	assert.Contains(t, input, "turn_detection")
	assert.Nil(t, input["turn_detection"])
	assert.Equal(t, "auto", session["tool_choice"])
}

func TestEncodeSessionUpdateBeta(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoint.Beta = true
	cfg.Voice = "echo"
	cfg.SpeechRate = 1.2
	cfg.TurnDetection = TurnDetection{Kind: TurnDetectionSemanticVAD, Eagerness: "high"}

	msg, err := EncodeSessionUpdate(cfg, nil)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, sonic.Unmarshal(msg, &m))
	session := m["session"].(map[string]any)
	assert.Equal(t, []any{"text", "audio"}, session["modalities"])
	assert.Equal(t, "echo", session["voice"])
	assert.Equal(t, "pcm16", session["input_audio_format"])
	assert.Equal(t, "pcm16", session["output_audio_format"])
	assert.Equal(t, 1.2, session["speed"])
	assert.Equal(t, map[string]any{"type": "semantic_vad", "eagerness": "high"}, session["turn_detection"])
	assert.NotContains(t, session, "type")
}

func TestBetaPayloadOmitsDefaultSpeed(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoint.Beta = true
	assert.NotContains(t, betaSessionPayload(cfg), "speed")
}
