package websocket

import (
	"fmt"

	"github.com/google/uuid"
)

type socketMessageType int

const (
	Update socketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is one packet exchanged with a websocket client. The Id
// field is echoed back on replies so the receiving client can pair a
// reply with its source request; Origin identifies the client a command
// arrived from, and Target restricts an outbound message to one client.
type SocketMessage struct {
	Title  string                 `json:"title"`
	Body   map[string]interface{} `json:"arguments"`
	Id     int                    `json:"id"`
	Type   socketMessageType      `json:"type"`
	Origin *uuid.UUID             `json:"-"`
	Target *uuid.UUID             `json:"-"`
}

// ValidateArguments checks the message body for the required keys and
// their (primitive) types, returning an error describing the first
// violation found.
func (message *SocketMessage) ValidateArguments(required map[string]string) error {
	const errFmt = "failed to validate key '%v' with type '%v' - %#v"

	for key, value := range required {
		v, ok := message.Body[key]
		if !ok {
			return fmt.Errorf("failed to validate key '%v' - key is missing", key)
		}

		switch value {
		case "number", "int":
			if _, ok := v.(float64); !ok {
				return fmt.Errorf(errFmt, key, value, v)
			}
		case "string":
			if fmt.Sprintf("%v", v) == "" {
				return fmt.Errorf(errFmt, key, value, v)
			}
		default:
			return fmt.Errorf(errFmt, key, value, "unknown type")
		}
	}

	return nil
}

// FormReply returns a NEW message with the same origin/id as the
// original, but with a new (caller provided) title, type and arguments.
func (message *SocketMessage) FormReply(replyTitle string, replyBody map[string]interface{}, replyType socketMessageType) *SocketMessage {
	if replyBody != nil {
		replyBody["command"] = message.Body
	}

	return &SocketMessage{
		Title:  replyTitle,
		Body:   replyBody,
		Type:   replyType,
		Id:     message.Id,
		Target: message.Origin,
	}
}
