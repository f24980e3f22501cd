// ABOUTME: Contract between the registry and the messaging client driving one session
// ABOUTME: Adapters report lifecycle and inbound messages as typed events on a channel

package session

import (
	"context"
	"time"

	"github.com/2389/waypost/internal/credstore"
)

// EventKind identifies what an adapter is reporting.
type EventKind int

const (
	EventPairingChallenge EventKind = iota + 1
	EventAuthenticated
	EventReady
	EventAuthFailure
	EventDisconnected
	EventStateChanged
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPairingChallenge:
		return "pairing_challenge"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	case EventStateChanged:
		return "state_changed"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one report from an adapter. Payload carries the pairing
// challenge, failure message, disconnect reason or client state depending
// on Kind. Message is set only for EventMessage.
type Event struct {
	Kind    EventKind
	Payload string
	Message *Message
}

// Message is an inbound chat message.
type Message struct {
	ID         string         `json:"messageId"`
	ChatID     string         `json:"chatId"`
	ChatName   string         `json:"chatName,omitempty"`
	IsGroup    bool           `json:"isGroup"`
	From       string         `json:"from"`
	To         string         `json:"to,omitempty"`
	SenderName string         `json:"senderName,omitempty"`
	Body       string         `json:"body"`
	Timestamp  time.Time      `json:"timestamp"`
	FromMe     bool           `json:"isFromMe"`
	HasMedia   bool           `json:"hasMedia"`
	Quoted     *QuotedMessage `json:"quotedMessage,omitempty"`
}

// QuotedMessage is the message a reply refers to.
type QuotedMessage struct {
	ID        string    `json:"id"`
	Body      string    `json:"body,omitempty"`
	From      string    `json:"from,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// IsReply reports whether the message quotes another one.
func (m *Message) IsReply() bool { return m.Quoted != nil }

// Adapter drives one messaging client. Start must return promptly; the
// connection proceeds in the background and is reported through Events.
// Destroy releases the client and must be safe to call more than once.
type Adapter interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	Destroy(ctx context.Context) error
}

// Sender is implemented by adapters that can send text messages.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) (messageID string, err error)
}

// Pairer is implemented by adapters that accept a pairing answer from the
// operator, for example a login token obtained out of band.
type Pairer interface {
	Pair(ctx context.Context, answer string) error
}

// Chat summarizes one conversation the session takes part in.
type Chat struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	IsGroup          bool      `json:"isGroup"`
	UnreadCount      int       `json:"unreadCount"`
	ParticipantCount int       `json:"participantCount,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	LastMessage      *Message  `json:"lastMessage,omitempty"`
}

// Media is a downloaded attachment. Data is base64 encoded in JSON.
type Media struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
}

// Contact is the result of checking whether an address is reachable.
type Contact struct {
	ID         string `json:"id"`
	Registered bool   `json:"registered"`
	Name       string `json:"name,omitempty"`
}

// ChatLister is implemented by adapters that can enumerate their chats.
type ChatLister interface {
	Chats(ctx context.Context) ([]Chat, error)
}

// HistoryReader is implemented by adapters that can fetch recent messages
// of a chat. Messages come back oldest first.
type HistoryReader interface {
	ChatMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
}

// MediaDownloader is implemented by adapters that can fetch message attachments.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, chatID, messageID string) (*Media, error)
}

// ContactChecker is implemented by adapters that can tell whether an
// address belongs to a registered account.
type ContactChecker interface {
	CheckContact(ctx context.Context, contact string) (Contact, error)
}

// Blocker is implemented by adapters that can block and unblock contacts.
type Blocker interface {
	Block(ctx context.Context, contact string) error
	Unblock(ctx context.Context, contact string) error
}

// AdapterFactory builds the adapter for a sanitized session id on top of its credential store.
type AdapterFactory func(id string, store credstore.Store) (Adapter, error)
