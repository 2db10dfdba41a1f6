package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType indicates an envelope with a type tag this build does not
// recognize. Callers drop the message and log.
var ErrUnknownType = errors.New("protocol: unknown message type")

// envelope is the outer wire frame.
type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Serverbound type tags.
const (
	typeLogin          = "login"
	typeRegister       = "register"
	typeSelectDocument = "select_document"
	typeMutate         = "mutate"
	typeCheckout       = "checkout"
	typeCursorMove     = "cursor_move"
)

// Clientbound type tags.
const (
	typeLoginResult       = "login_result"
	typeAttachRejected    = "attach_rejected"
	typeDocumentState     = "document_state"
	typeMutationConfirmed = "mutation_confirmed"
	typeMutationRejected  = "mutation_rejected"
	typeCheckoutResult    = "checkout_result"
	typeCursorMoved       = "cursor_moved"
	typeAck               = "ack"
)

// EncodeServerbound serializes a serverbound message into its envelope.
func EncodeServerbound(m Serverbound) ([]byte, error) {
	var tag string
	switch m.(type) {
	case Login:
		tag = typeLogin
	case Register:
		tag = typeRegister
	case SelectDocument:
		tag = typeSelectDocument
	case Mutate:
		tag = typeMutate
	case Checkout:
		tag = typeCheckout
	case CursorMove:
		tag = typeCursorMove
	default:
		return nil, fmt.Errorf("protocol: unencodable serverbound %T", m)
	}
	return seal(tag, m)
}

// DecodeServerbound parses a serverbound envelope. Unknown type tags return
// ErrUnknownType; malformed JSON returns a wrapped decode error.
func DecodeServerbound(data []byte) (Serverbound, error) {
	env, err := open(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case typeLogin:
		return decodeBody[Login](env)
	case typeRegister:
		return decodeBody[Register](env)
	case typeSelectDocument:
		return decodeBody[SelectDocument](env)
	case typeMutate:
		return decodeBody[Mutate](env)
	case typeCheckout:
		return decodeBody[Checkout](env)
	case typeCursorMove:
		return decodeBody[CursorMove](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// EncodeClientbound serializes a clientbound message into its envelope.
func EncodeClientbound(m Clientbound) ([]byte, error) {
	var tag string
	switch m.(type) {
	case LoginResult:
		tag = typeLoginResult
	case AttachRejected:
		tag = typeAttachRejected
	case DocumentState:
		tag = typeDocumentState
	case MutationConfirmed:
		tag = typeMutationConfirmed
	case MutationRejected:
		tag = typeMutationRejected
	case CheckoutResult:
		tag = typeCheckoutResult
	case CursorMoved:
		tag = typeCursorMoved
	case Ack:
		tag = typeAck
	default:
		return nil, fmt.Errorf("protocol: unencodable clientbound %T", m)
	}
	return seal(tag, m)
}

// DecodeClientbound parses a clientbound envelope with the same fail-closed
// behavior as DecodeServerbound.
func DecodeClientbound(data []byte) (Clientbound, error) {
	env, err := open(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case typeLoginResult:
		return decodeBody[LoginResult](env)
	case typeAttachRejected:
		return decodeBody[AttachRejected](env)
	case typeDocumentState:
		return decodeBody[DocumentState](env)
	case typeMutationConfirmed:
		return decodeBody[MutationConfirmed](env)
	case typeMutationRejected:
		return decodeBody[MutationRejected](env)
	case typeCheckoutResult:
		return decodeBody[CheckoutResult](env)
	case typeCursorMoved:
		return decodeBody[CursorMoved](env)
	case typeAck:
		return decodeBody[Ack](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func seal(tag string, m any) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s body: %w", tag, err)
	}
	data, err := json.Marshal(envelope{Type: tag, Body: body})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s envelope: %w", tag, err)
	}
	return data, nil
}

func open(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	return env, nil
}

func decodeBody[T any](env envelope) (T, error) {
	var m T
	if len(env.Body) == 0 {
		// Bodyless envelopes are legal for empty variants like ack.
		return m, nil
	}
	if err := json.Unmarshal(env.Body, &m); err != nil {
		return m, fmt.Errorf("protocol: malformed %s body: %w", env.Type, err)
	}
	return m, nil
}
