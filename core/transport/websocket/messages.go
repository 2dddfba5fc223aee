package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Events of the session protocol. Clients send start, media, text, mark and
// stop; the server sends media, mark and clear.
const (
	EventStart = "start"
	EventMedia = "media"
	EventText  = "text"
	EventMark  = "mark"
	EventClear = "clear"
	EventStop  = "stop"
)

// Message is a single JSON message of the session protocol. Audio travels
// base64 encoded in Media.Payload.
type Message struct {
	Event         string `json:"event"`
	ParticipantID string `json:"participant_id,omitempty"`
	Media         *Media `json:"media,omitempty"`
	Text          string `json:"text,omitempty"`
	Mark          *Mark  `json:"mark,omitempty"`
}

type Media struct {
	Payload string `json:"payload"`
}

type Mark struct {
	Name string `json:"name"`
}

func mediaMessage(chunk []byte) Message {
	return Message{Event: EventMedia, Media: &Media{Payload: base64.StdEncoding.EncodeToString(chunk)}}
}

func markMessage(name string) Message {
	return Message{Event: EventMark, Mark: &Mark{Name: name}}
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}

	switch msg.Event {
	case EventMedia:
		if msg.Media == nil {
			return Message{}, fmt.Errorf("media message without media")
		}
	case EventMark:
		if msg.Mark == nil || msg.Mark.Name == "" {
			return Message{}, fmt.Errorf("mark message without a name")
		}
	case EventStart, EventText, EventStop:
	default:
		return Message{}, fmt.Errorf("unknown event %q", msg.Event)
	}
	return msg, nil
}

func (m Message) audio() ([]byte, error) {
	chunk, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid media payload: %w", err)
	}
	return chunk, nil
}
