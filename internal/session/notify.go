// ABOUTME: Outbound notifications emitted by the registry
// ABOUTME: Topic names are what real-time subscribers and webhooks see

package session

import "time"

// Real-time topics.
const (
	TopicSessionsUpdate  = "sessions:update"
	TopicQR              = "session:qr"
	TopicReady           = "session:ready"
	TopicAuthenticated   = "session:authenticated"
	TopicError           = "session:error"
	TopicDisconnected    = "session:disconnected"
	TopicState           = "session:state"
	TopicMessageReceived = "message:received"
	TopicMessageReply    = "message:reply"
	TopicMessageSent     = "message:sent"
	TopicChatMessage     = "chat:message"
	TopicChatUpdate      = "chat:update"
)

// Webhook event names.
const (
	WebhookMessageReceived = "message_received"
	WebhookMessageReply    = "message_reply"
)

// Notification is one outbound event. Webhook names the webhook event to
// deliver as well; empty means real-time only.
type Notification struct {
	Topic     string
	SessionID string
	Time      time.Time
	Data      any
	Webhook   string
}

// Notifier receives registry notifications. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

// messageNotifications fans one inbound message out to the topics listeners expect.
func messageNotifications(id string, msg *Message, now time.Time) []Notification {
	topic, hook := TopicMessageReceived, WebhookMessageReceived
	if msg.IsReply() {
		topic, hook = TopicMessageReply, WebhookMessageReply
	}

	payload := map[string]any{
		"sessionId": id,
		"messageId": msg.ID,
		"chatId":    msg.ChatID,
		"from":      msg.From,
		"to":        msg.To,
		"body":      msg.Body,
		"timestamp": msg.Timestamp,
		"isReply":   msg.IsReply(),
		"contact":   map[string]any{"name": msg.SenderName},
		"chat":      map[string]any{"name": msg.ChatName, "isGroup": msg.IsGroup},
	}
	if msg.Quoted != nil {
		payload["quotedMessage"] = msg.Quoted
	}

	return []Notification{
		{Topic: topic, SessionID: id, Time: now, Data: payload, Webhook: hook},
		{Topic: TopicChatMessage, SessionID: id, Time: now, Data: map[string]any{
			"sessionId": id,
			"chatId":    msg.ChatID,
			"message":   msg,
		}},
		{Topic: TopicChatUpdate, SessionID: id, Time: now, Data: map[string]any{
			"sessionId": id,
			"chatId":    msg.ChatID,
			"lastMessage": map[string]any{
				"body":      msg.Body,
				"timestamp": msg.Timestamp,
			},
		}},
	}
}
