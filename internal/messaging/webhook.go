package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/line/line-bot-sdk-go/v7/linebot"
)

// MessageKind classifies inbound messages the assistant handles.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageVideo MessageKind = "video"
)

// InboundMessage is a message event reduced to the fields the assistant needs.
type InboundMessage struct {
	UserID     string
	ReplyToken string
	MessageID  string
	Kind       MessageKind
	Text       string
}

type webhookPayload struct {
	Events []*linebot.Event `json:"events"`
}

// ParseMessages decodes a verified webhook body and keeps text, image and video messages from
// users. Other events are dropped.
func ParseMessages(body []byte) ([]InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("messaging: decode webhook: %w", err)
	}

	messages := make([]InboundMessage, 0, len(payload.Events))
	for _, event := range payload.Events {
		if event == nil || event.Type != linebot.EventTypeMessage || event.Source == nil {
			continue
		}
		inbound := InboundMessage{UserID: event.Source.UserID, ReplyToken: event.ReplyToken}
		switch message := event.Message.(type) {
		case *linebot.TextMessage:
			inbound.Kind = MessageText
			inbound.MessageID = message.ID
			inbound.Text = message.Text
		case *linebot.ImageMessage:
			inbound.Kind = MessageImage
			inbound.MessageID = message.ID
		case *linebot.VideoMessage:
			inbound.Kind = MessageVideo
			inbound.MessageID = message.ID
		default:
			continue
		}
		if inbound.UserID == "" {
			continue
		}
		messages = append(messages, inbound)
	}
	return messages, nil
}
