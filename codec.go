package realtime

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

type audioAppend struct {
	Type  ClientEventType `json:"type"`
	Audio string          `json:"audio"`
}

type sessionUpdate struct {
	Type    ClientEventType `json:"type"`
	EventID string          `json:"event_id"`
	Session map[string]any  `json:"session"`
}

type itemCreate struct {
	Type    ClientEventType    `json:"type"`
	EventID string             `json:"event_id"`
	Item    functionCallOutput `json:"item"`
}

type functionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responseCreate struct {
	Type    ClientEventType `json:"type"`
	EventID string          `json:"event_id"`
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

// EncodeAudioAppend wraps one raw PCM frame as input_audio_buffer.append.
func EncodeAudioAppend(frame []byte) ([]byte, error) {
	return sonic.Marshal(audioAppend{
		Type:  ClientEventTypeInputAudioBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(frame),
	})
}

// EncodeSessionUpdate builds the single configuration message sent after the
// transport opens.
func EncodeSessionUpdate(cfg SessionConfig, tools []ToolDefinition) ([]byte, error) {
	session, err := sessionPayload(cfg, tools)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(sessionUpdate{
		Type:    ClientEventTypeSessionUpdate,
		EventID: newEventID(),
		Session: session,
	})
}

// EncodeToolResult returns the function_call_output item for callID followed
// by the response.create that makes the model continue.
func EncodeToolResult(callID, output string) ([][]byte, error) {
	item, err := sonic.Marshal(itemCreate{
		Type:    ClientEventTypeConversationItemCreate,
		EventID: newEventID(),
		Item: functionCallOutput{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling tool result: %w", err)
	}
	resp, err := sonic.Marshal(responseCreate{
		Type:    ClientEventTypeResponseCreate,
		EventID: newEventID(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling response create: %w", err)
	}
	return [][]byte{item, resp}, nil
}

// DecodeEvent parses one inbound wire message. Unrecognized types yield an
// error wrapping shared.ErrUnknownEvent; anything malformed yields a decode
// error. Neither is fatal to the stream.
func DecodeEvent(data []byte) (InboundEvent, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, shared.NewError(shared.KindDecode, "parse", err)
	}
	t, ok := raw["type"].(string)
	if !ok || t == "" {
		return nil, shared.NewError(shared.KindDecode, "parse", errors.New("missing type"))
	}
	newEvent, ok := inboundEvents[ServerEventType(t)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrUnknownEvent, t)
	}
	event := newEvent()
	if err := event.New(raw); err != nil {
		if errors.Is(err, shared.ErrUnknownEvent) {
			return nil, err
		}
		return nil, shared.NewError(shared.KindDecode, t, err)
	}
	return event, nil
}
