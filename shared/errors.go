package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoDevice              = errors.New("no audio device provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoModel               = errors.New("no model or deployment provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrAlreadyStarted        = errors.New("session already started")
	ErrSinkAlreadySet        = errors.New("transcript sink already set")
	ErrDeltaHookAlreadySet   = errors.New("delta hook already set")
	ErrErrorHookAlreadySet   = errors.New("error hook already set")
	ErrUnknownEvent          = errors.New("unknown event type")
	ErrConnectionClosed      = errors.New("connection closed")
)

// Kind classifies a session failure by where it happened and how the session
// reacts to it.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindStartup aborts Start: device unavailable, connection refused,
	// configuration rejected or handshake deadline exceeded.
	KindStartup
	// KindTransport is a connection drop after start; the session drains and closes.
	KindTransport
	// KindDecode is a malformed inbound message; the message is dropped.
	KindDecode
	// KindDevice is an audio hardware read or write failure.
	KindDevice
	// KindProtocol is an error event reported by the server.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindStartup:
		return "startup"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindDevice:
		return "device"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrStartup   = &Error{Kind: KindStartup}
	ErrTransport = &Error{Kind: KindTransport}
	ErrDecode    = &Error{Kind: KindDecode}
	ErrDevice    = &Error{Kind: KindDevice}
	ErrProtocol  = &Error{Kind: KindProtocol}
)

type Error struct {
	Kind Kind
	Op   string
	// Code is the server supplied error code, only set for KindProtocol.
	Code string
	Err  error
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg += " on " + e.Op
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && (t.Code == "" || t.Code == e.Code)
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
