package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bt-bridge/realtime-voice/shared"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeResponseOutputItemDone                           ServerEventType = "response.output_item.done"
	ServerEventTypeResponseOutputAudioTranscriptDelta               ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseOutputAudioTranscriptDone                ServerEventType = "response.output_audio_transcript.done"
	ServerEventTypeResponseOutputAudioDelta                         ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseOutputAudioDone                          ServerEventType = "response.output_audio.done"
	ServerEventTypeResponseFunctionCallArgumentsDone                ServerEventType = "response.function_call_arguments.done"
)

// Preview (beta) names still sent by Azure deployments.
const (
	ServerEventTypeResponseAudioTranscriptDelta ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone  ServerEventType = "response.audio_transcript.done"
	ServerEventTypeResponseAudioDelta           ServerEventType = "response.audio.delta"
	ServerEventTypeResponseAudioDone            ServerEventType = "response.audio.done"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
)

// InboundEvent is one decoded server event. The set of implementations is
// closed; consumers handle them through an EventVisitor.
type InboundEvent interface {
	// Type is the canonical wire type, independent of the alias received.
	Type() ServerEventType
	New(map[string]any) error
	accept(v EventVisitor) error
}

// EventVisitor has one method per inbound event kind. A new kind does not
// compile until every visitor handles it.
type EventVisitor interface {
	OnSessionCreated(e *SessionCreated) error
	OnSessionUpdated(e *SessionUpdated) error
	OnInputTranscriptionCompleted(e *InputTranscriptionCompleted) error
	OnOutputTranscriptDelta(e *OutputTranscriptDelta) error
	OnOutputTranscriptDone(e *OutputTranscriptDone) error
	OnOutputAudioDelta(e *OutputAudioDelta) error
	OnOutputAudioDone(e *OutputAudioDone) error
	OnError(e *ErrorEvent) error
	OnFunctionCallRequested(e *FunctionCallRequested) error
}

// Visit routes e to the matching visitor method.
func Visit(e InboundEvent, v EventVisitor) error {
	return e.accept(v)
}

var inboundEvents = map[ServerEventType]func() InboundEvent{
	ServerEventTypeSessionCreated: func() InboundEvent { return new(SessionCreated) },
	ServerEventTypeSessionUpdated: func() InboundEvent { return new(SessionUpdated) },
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted: func() InboundEvent {
		return new(InputTranscriptionCompleted)
	},
	ServerEventTypeResponseOutputAudioTranscriptDelta: func() InboundEvent { return new(OutputTranscriptDelta) },
	ServerEventTypeResponseAudioTranscriptDelta:       func() InboundEvent { return new(OutputTranscriptDelta) },
	ServerEventTypeResponseOutputAudioTranscriptDone:  func() InboundEvent { return new(OutputTranscriptDone) },
	ServerEventTypeResponseAudioTranscriptDone:        func() InboundEvent { return new(OutputTranscriptDone) },
	ServerEventTypeResponseOutputAudioDelta:           func() InboundEvent { return new(OutputAudioDelta) },
	ServerEventTypeResponseAudioDelta:                 func() InboundEvent { return new(OutputAudioDelta) },
	ServerEventTypeResponseOutputAudioDone:            func() InboundEvent { return new(OutputAudioDone) },
	ServerEventTypeResponseAudioDone:                  func() InboundEvent { return new(OutputAudioDone) },
	ServerEventTypeError:                              func() InboundEvent { return new(ErrorEvent) },
	ServerEventTypeResponseFunctionCallArgumentsDone:  func() InboundEvent { return new(FunctionCallRequested) },
	ServerEventTypeResponseOutputItemDone:             func() InboundEvent { return new(FunctionCallRequested) },
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func optString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// session.created
type SessionCreated struct {
	SessionID string
	Session   map[string]any
}

func (e *SessionCreated) Type() ServerEventType { return ServerEventTypeSessionCreated }

func (e *SessionCreated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		e.Session = session
		e.SessionID = optString(session, "id")
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (e *SessionCreated) accept(v EventVisitor) error { return v.OnSessionCreated(e) }

// session.updated
type SessionUpdated struct {
	Session map[string]any
}

func (e *SessionUpdated) Type() ServerEventType { return ServerEventTypeSessionUpdated }

func (e *SessionUpdated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		e.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (e *SessionUpdated) accept(v EventVisitor) error { return v.OnSessionUpdated(e) }

// conversation.item.input_audio_transcription.completed
type InputTranscriptionCompleted struct {
	ItemID       string
	ContentIndex int
	Transcript   string
}

func (e *InputTranscriptionCompleted) Type() ServerEventType {
	return ServerEventTypeConversationItemInputAudioTranscriptionCompleted
}

func (e *InputTranscriptionCompleted) New(m map[string]any) error {
	e.ItemID = optString(m, "item_id")
	if v, ok := asInt(m["content_index"]); ok {
		e.ContentIndex = v
	}
	if v, ok := m["transcript"].(string); ok {
		e.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

func (e *InputTranscriptionCompleted) accept(v EventVisitor) error {
	return v.OnInputTranscriptionCompleted(e)
}

// response.output_audio_transcript.delta
type OutputTranscriptDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

func (e *OutputTranscriptDelta) Type() ServerEventType {
	return ServerEventTypeResponseOutputAudioTranscriptDelta
}

func (e *OutputTranscriptDelta) New(m map[string]any) error {
	e.ResponseID = optString(m, "response_id")
	e.ItemID = optString(m, "item_id")
	if v, ok := m["delta"].(string); ok {
		e.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

func (e *OutputTranscriptDelta) accept(v EventVisitor) error { return v.OnOutputTranscriptDelta(e) }

// response.output_audio_transcript.done
type OutputTranscriptDone struct {
	ResponseID string
	ItemID     string
	Transcript string
}

func (e *OutputTranscriptDone) Type() ServerEventType {
	return ServerEventTypeResponseOutputAudioTranscriptDone
}

func (e *OutputTranscriptDone) New(m map[string]any) error {
	e.ResponseID = optString(m, "response_id")
	e.ItemID = optString(m, "item_id")
	if v, ok := m["transcript"].(string); ok {
		e.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

func (e *OutputTranscriptDone) accept(v EventVisitor) error { return v.OnOutputTranscriptDone(e) }

// response.output_audio.delta
type OutputAudioDelta struct {
	ResponseID string
	ItemID     string
	// Audio is the decoded PCM chunk.
	Audio []byte
}

func (e *OutputAudioDelta) Type() ServerEventType { return ServerEventTypeResponseOutputAudioDelta }

func (e *OutputAudioDelta) New(m map[string]any) error {
	e.ResponseID = optString(m, "response_id")
	e.ItemID = optString(m, "item_id")
	v, ok := m["delta"].(string)
	if !ok {
		return errors.New("missing delta")
	}
	audio, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return fmt.Errorf("decoding audio delta: %w", err)
	}
	e.Audio = audio
	return nil
}

func (e *OutputAudioDelta) accept(v EventVisitor) error { return v.OnOutputAudioDelta(e) }

// response.output_audio.done
type OutputAudioDone struct {
	ResponseID string
	ItemID     string
}

func (e *OutputAudioDone) Type() ServerEventType { return ServerEventTypeResponseOutputAudioDone }

func (e *OutputAudioDone) New(m map[string]any) error {
	e.ResponseID = optString(m, "response_id")
	e.ItemID = optString(m, "item_id")
	return nil
}

func (e *OutputAudioDone) accept(v EventVisitor) error { return v.OnOutputAudioDone(e) }

// error
type ErrorEvent struct {
	ErrType string
	EventID string
	Code    string
	Message string
	Param   string
}

func (e *ErrorEvent) Type() ServerEventType { return ServerEventTypeError }

func (e *ErrorEvent) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		// flattened shape
		errObj = m
	}
	if v, ok := errObj["message"].(string); ok {
		e.Message = v
	} else {
		return errors.New("missing error.message")
	}
	e.ErrType = optString(errObj, "type")
	if e.ErrType == string(ServerEventTypeError) {
		e.ErrType = ""
	}
	e.Code = optString(errObj, "code")
	e.Param = optString(errObj, "param")
	e.EventID = optString(errObj, "event_id")
	return nil
}

func (e *ErrorEvent) accept(v EventVisitor) error { return v.OnError(e) }

// Err converts the event into a protocol error carrying its code.
func (e *ErrorEvent) Err() error {
	return &shared.Error{
		Kind: shared.KindProtocol,
		Op:   "server",
		Code: e.Code,
		Err:  errors.New(e.Message),
	}
}

// FunctionCallRequested is decoded from response.function_call_arguments.done
// and from function_call items in response.output_item.done. The preview API
// omits the name from the former, so both are accepted and the dispatcher
// dedupes by CallID.
type FunctionCallRequested struct {
	ResponseID string
	ItemID     string
	CallID     string
	Name       string
	Arguments  string
}

func (e *FunctionCallRequested) Type() ServerEventType {
	return ServerEventTypeResponseFunctionCallArgumentsDone
}

func (e *FunctionCallRequested) New(m map[string]any) error {
	e.ResponseID = optString(m, "response_id")
	src := m
	if item, ok := m["item"].(map[string]any); ok {
		if t := optString(item, "type"); t != "function_call" {
			return fmt.Errorf("%w: output item %q", shared.ErrUnknownEvent, t)
		}
		src = item
		e.ItemID = optString(item, "id")
	} else {
		e.ItemID = optString(m, "item_id")
	}
	if v, ok := src["call_id"].(string); ok && v != "" {
		e.CallID = v
	} else {
		return errors.New("missing call_id")
	}
	if v, ok := src["arguments"].(string); ok {
		e.Arguments = v
	} else {
		return errors.New("missing arguments")
	}
	e.Name = optString(src, "name")
	return nil
}

func (e *FunctionCallRequested) accept(v EventVisitor) error { return v.OnFunctionCallRequested(e) }
