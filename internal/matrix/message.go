// ABOUTME: Conversion of Matrix room events into session messages
// ABOUTME: Resolves room names, sender names and quoted events through a cached directory

package matrix

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/waypost/internal/session"
)

// directory answers the lookups a message needs beyond the event itself.
type directory interface {
	room(ctx context.Context, roomID id.RoomID) roomInfo
	displayName(ctx context.Context, userID id.UserID) string
	event(ctx context.Context, roomID id.RoomID, eventID id.EventID) *event.Event
}

type roomInfo struct {
	name    string
	isGroup bool
	members int
}

// toMessage converts a parsed m.room.message event. It returns nil for
// events that carry no text.
func toMessage(ctx context.Context, dir directory, self id.UserID, evt *event.Event) *session.Message {
	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return nil
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		// edits are not new messages
		return nil
	}

	replyTo := content.RelatesTo.GetReplyTo()
	if replyTo != "" {
		content.RemoveReplyFallback()
	}

	info := dir.room(ctx, evt.RoomID)
	msg := &session.Message{
		ID:         evt.ID.String(),
		ChatID:     evt.RoomID.String(),
		ChatName:   info.name,
		IsGroup:    info.isGroup,
		From:       evt.Sender.String(),
		To:         self.String(),
		SenderName: dir.displayName(ctx, evt.Sender),
		Body:       content.Body,
		Timestamp:  time.UnixMilli(evt.Timestamp).UTC(),
		FromMe:     evt.Sender == self,
		HasMedia:   isMedia(content.MsgType),
	}

	if replyTo != "" {
		quoted := &session.QuotedMessage{ID: replyTo.String()}
		if orig := dir.event(ctx, evt.RoomID, replyTo); orig != nil {
			quoted.From = orig.Sender.String()
			quoted.Timestamp = time.UnixMilli(orig.Timestamp).UTC()
			if oc := orig.Content.AsMessage(); oc != nil {
				quoted.Body = oc.Body
			}
		}
		msg.Quoted = quoted
	}
	return msg
}

func isMedia(t event.MessageType) bool {
	switch t {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		return true
	}
	return false
}

// clientDirectory resolves lookups against the homeserver and caches rooms
// and names for the lifetime of the adapter.
type clientDirectory struct {
	client *mautrix.Client
	rooms  sync.Map // id.RoomID -> roomInfo
	names  sync.Map // id.UserID -> string
}

func (d *clientDirectory) room(ctx context.Context, roomID id.RoomID) roomInfo {
	if v, ok := d.rooms.Load(roomID); ok {
		return v.(roomInfo)
	}
	var info roomInfo
	var name event.RoomNameEventContent
	if err := d.client.StateEvent(ctx, roomID, event.StateRoomName, "", &name); err == nil {
		info.name = name.Name
	}
	if members, err := d.client.JoinedMembers(ctx, roomID); err == nil {
		info.members = len(members.Joined)
		info.isGroup = info.members > 2
	}
	d.rooms.Store(roomID, info)
	return info
}

func (d *clientDirectory) displayName(ctx context.Context, userID id.UserID) string {
	if v, ok := d.names.Load(userID); ok {
		return v.(string)
	}
	name := ""
	if resp, err := d.client.GetDisplayName(ctx, userID); err == nil && resp != nil {
		name = resp.DisplayName
	}
	d.names.Store(userID, name)
	return name
}

func (d *clientDirectory) event(ctx context.Context, roomID id.RoomID, eventID id.EventID) *event.Event {
	evt, err := d.client.GetEvent(ctx, roomID, eventID)
	if err != nil {
		return nil
	}
	_ = evt.Content.ParseRaw(evt.Type)
	return evt
}

// forgetRoom drops cached room details, used when membership changes.
func (d *clientDirectory) forgetRoom(roomID id.RoomID) {
	d.rooms.Delete(roomID)
}
