package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/rules"
)

// WebhookEvent is the envelope the Evolution API posts to the webhook
// endpoint. Data is kept raw: only message events carry a payload the
// engine cares about.
type WebhookEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// messageData is the payload of a messages.upsert event.
type messageData struct {
	Key struct {
		RemoteJid   string `json:"remoteJid"`
		FromMe      bool   `json:"fromMe"`
		ID          string `json:"id"`
		Participant string `json:"participant"`
	} `json:"key"`
	PushName string `json:"pushName"`
	Message  struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage *struct {
			Caption string `json:"caption"`
		} `json:"imageMessage"`
	} `json:"message"`
}

// EventToken normalizes a webhook event name to the token form rules
// subscribe to: "messages.upsert" becomes "MESSAGES_UPSERT".
func EventToken(event string) string {
	return strings.ToUpper(strings.ReplaceAll(event, ".", "_"))
}

// DecodeMessage converts a webhook event into the engine's message
// shape. The second return value is false when the event carries no
// processable message: non-message events, own outgoing messages, or
// a payload without a chat id.
func DecodeMessage(ev *WebhookEvent) (*rules.IncomingMessage, bool, error) {
	if EventToken(ev.Event) != rules.EventMessagesUpsert || len(ev.Data) == 0 {
		return nil, false, nil
	}

	var data messageData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return nil, false, fmt.Errorf("decode message payload: %w", err)
	}

	if data.Key.FromMe || data.Key.RemoteJid == "" {
		return nil, false, nil
	}

	msg := &rules.IncomingMessage{
		Event:      rules.EventMessagesUpsert,
		ChatID:     data.Key.RemoteJid,
		ChatType:   chatTypeOf(data.Key.RemoteJid),
		SenderID:   senderOf(&data),
		SenderName: data.PushName,
		Text:       textOf(&data),
		MessageID:  data.Key.ID,
	}
	return msg, true, nil
}

// chatTypeOf derives the chat type from the JID domain: group chats
// live under @g.us, everything else is a direct chat.
func chatTypeOf(jid string) rules.ChatType {
	if strings.HasSuffix(jid, "@g.us") {
		return rules.ChatTypeGroup
	}
	return rules.ChatTypeDirect
}

// senderOf returns the sender JID. In a group the chat JID is the
// group itself and the participant field names the sender.
func senderOf(data *messageData) string {
	if data.Key.Participant != "" {
		return data.Key.Participant
	}
	return data.Key.RemoteJid
}

// textOf extracts the message text across the message kinds that carry
// one. Unknown kinds yield an empty string, which still matches rules
// without a text constraint.
func textOf(data *messageData) string {
	switch {
	case data.Message.Conversation != "":
		return data.Message.Conversation
	case data.Message.ExtendedTextMessage != nil:
		return data.Message.ExtendedTextMessage.Text
	case data.Message.ImageMessage != nil:
		return data.Message.ImageMessage.Caption
	default:
		return ""
	}
}
