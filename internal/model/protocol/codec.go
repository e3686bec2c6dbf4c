package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
)

type envelope struct {
	Type *Type `json:"type"`
}

// Decode parses one text frame into its variant.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	var msg Message
	var err error
	switch *env.Type {
	case TypeAuthRequest:
		msg, err = decodeAs[AuthRequest](data)
	case TypeAuthResponse:
		msg, err = decodeAs[AuthResponse](data)
	case TypeTextInput:
		msg, err = decodeAs[TextInput](data)
	case TypeGenerateStory:
		msg, err = decodeAs[GenerateStory](data)
	case TypeTextOutput:
		msg, err = decodeAs[TextOutput](data)
	case TypeAudioOutput:
		msg, err = decodeAs[AudioOutput](data)
	case TypeStoryOutput:
		msg, err = decodeAs[StoryOutput](data)
	case TypeError:
		msg, err = decodeAs[Error](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(*env.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, *env.Type, err)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode renders msg as a JSON object with the "type" discriminator first.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	tag, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, fmt.Errorf("encode %s type: %w", msg.Type(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	// body is always a JSON object: "{}" or "{...}".
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
