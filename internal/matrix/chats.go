// ABOUTME: Chat listing, history, media download and contact management for the Matrix adapter
// ABOUTME: Blocking maps onto the account's m.ignored_user_list

package matrix

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/waypost/internal/session"
)

const (
	ignoredUserListType = "m.ignored_user_list"
	// chatLookupConcurrency bounds the per-room requests made by Chats.
	chatLookupConcurrency = 8
)

var historyFilter = &mautrix.FilterPart{Types: []event.Type{event.EventMessage, event.EventEncrypted}}

// ignoredUserList is the content of m.ignored_user_list account data.
type ignoredUserList struct {
	IgnoredUsers map[id.UserID]struct{} `json:"ignored_users"`
}

// Chats lists joined rooms, most recently active first. Matrix keeps unread
// counts in sync state only, so UnreadCount is always zero.
func (a *Adapter) Chats(ctx context.Context) ([]session.Chat, error) {
	client, dir, err := a.connectedClient()
	if err != nil {
		return nil, err
	}

	joined, err := client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing joined rooms: %w", err)
	}

	chats := make([]session.Chat, len(joined.JoinedRooms))
	var g errgroup.Group
	g.SetLimit(chatLookupConcurrency)
	for i, roomID := range joined.JoinedRooms {
		g.Go(func() error {
			chats[i] = a.chat(ctx, client, dir, roomID)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(chats, func(x, y session.Chat) int {
		return y.Timestamp.Compare(x.Timestamp)
	})
	return chats, nil
}

func (a *Adapter) chat(ctx context.Context, client *mautrix.Client, dir *clientDirectory, roomID id.RoomID) session.Chat {
	info := dir.room(ctx, roomID)
	c := session.Chat{
		ID:               roomID.String(),
		Name:             info.name,
		IsGroup:          info.isGroup,
		ParticipantCount: info.members,
	}
	if c.Name == "" {
		c.Name = roomID.String()
	}

	msgs, err := a.history(ctx, client, dir, roomID, 1)
	if err != nil {
		a.logger.Debug("failed to read last message", "room", roomID, "error", err)
		return c
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		c.LastMessage = &last
		c.Timestamp = last.Timestamp
	}
	return c
}

// ChatMessages returns up to limit recent messages of a room, oldest first.
func (a *Adapter) ChatMessages(ctx context.Context, chatID string, limit int) ([]session.Message, error) {
	client, dir, err := a.connectedClient()
	if err != nil {
		return nil, err
	}
	return a.history(ctx, client, dir, id.RoomID(chatID), limit)
}

func (a *Adapter) history(ctx context.Context, client *mautrix.Client, dir *clientDirectory, roomID id.RoomID, limit int) ([]session.Message, error) {
	resp, err := client.Messages(ctx, roomID, "", "", mautrix.DirectionBackward, historyFilter, limit)
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) || errors.Is(err, mautrix.MForbidden) {
			return nil, session.NewError(session.ErrNotFound, a.id, "chat "+roomID.String()+" not found", err)
		}
		return nil, fmt.Errorf("reading history of %s: %w", roomID, err)
	}

	// chunk is newest first
	msgs := make([]session.Message, 0, len(resp.Chunk))
	for i := len(resp.Chunk) - 1; i >= 0; i-- {
		evt := a.parse(ctx, client, resp.Chunk[i])
		if evt == nil {
			continue
		}
		if msg := toMessage(ctx, dir, client.UserID, evt); msg != nil {
			msgs = append(msgs, *msg)
		}
	}
	return msgs, nil
}

// parse parses an event fetched outside sync, decrypting it when possible.
// It returns nil for events that are not readable messages.
func (a *Adapter) parse(ctx context.Context, client *mautrix.Client, evt *event.Event) *event.Event {
	_ = evt.Content.ParseRaw(evt.Type)
	if evt.Type == event.EventEncrypted {
		if client.Crypto == nil {
			return nil
		}
		decrypted, err := client.Crypto.Decrypt(ctx, evt)
		if err != nil {
			a.logger.Debug("failed to decrypt event", "event_id", evt.ID, "error", err)
			return nil
		}
		evt = decrypted
	}
	if evt.Type != event.EventMessage {
		return nil
	}
	return evt
}

// DownloadMedia fetches and, for encrypted rooms, decrypts a message attachment.
func (a *Adapter) DownloadMedia(ctx context.Context, chatID, messageID string) (*session.Media, error) {
	client, _, err := a.connectedClient()
	if err != nil {
		return nil, err
	}

	evt, err := client.GetEvent(ctx, id.RoomID(chatID), id.EventID(messageID))
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) || errors.Is(err, mautrix.MForbidden) {
			return nil, session.NewError(session.ErrNotFound, a.id, "message "+messageID+" not found", err)
		}
		return nil, fmt.Errorf("fetching event %s: %w", messageID, err)
	}
	evt = a.parse(ctx, client, evt)
	if evt == nil {
		return nil, session.NewError(session.ErrInvalid, a.id, "message does not contain media", nil)
	}
	content := evt.Content.AsMessage()
	if content == nil || !isMedia(content.MsgType) {
		return nil, session.NewError(session.ErrInvalid, a.id, "message does not contain media", nil)
	}

	uri := content.URL
	if content.File != nil {
		uri = content.File.URL
	}
	mxc, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("parsing media url of %s: %w", messageID, err)
	}
	data, err := client.DownloadBytes(ctx, mxc)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", mxc, err)
	}
	if content.File != nil {
		if err := content.File.DecryptInPlace(data); err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", mxc, err)
		}
	}

	media := &session.Media{Data: data, Filename: content.FileName}
	if content.Info != nil {
		media.MimeType = content.Info.MimeType
	}
	if media.Filename == "" {
		media.Filename = content.Body
	}
	return media, nil
}

// CheckContact reports whether a user id has a profile on its homeserver.
func (a *Adapter) CheckContact(ctx context.Context, contact string) (session.Contact, error) {
	client, _, err := a.connectedClient()
	if err != nil {
		return session.Contact{}, err
	}
	userID, err := a.parseUserID(contact)
	if err != nil {
		return session.Contact{}, err
	}

	profile, err := client.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, mautrix.MNotFound):
		return session.Contact{ID: userID.String()}, nil
	case err != nil:
		return session.Contact{}, fmt.Errorf("looking up %s: %w", userID, err)
	}
	return session.Contact{ID: userID.String(), Registered: true, Name: profile.DisplayName}, nil
}

// Block adds contact to the account's ignored users.
func (a *Adapter) Block(ctx context.Context, contact string) error {
	return a.setIgnored(ctx, contact, true)
}

// Unblock removes contact from the account's ignored users.
func (a *Adapter) Unblock(ctx context.Context, contact string) error {
	return a.setIgnored(ctx, contact, false)
}

func (a *Adapter) setIgnored(ctx context.Context, contact string, ignore bool) error {
	client, _, err := a.connectedClient()
	if err != nil {
		return err
	}
	userID, err := a.parseUserID(contact)
	if err != nil {
		return err
	}

	a.ignoreMu.Lock()
	defer a.ignoreMu.Unlock()

	var list ignoredUserList
	if err := client.GetAccountData(ctx, ignoredUserListType, &list); err != nil && !errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("reading ignored users: %w", err)
	}
	if list.IgnoredUsers == nil {
		list.IgnoredUsers = make(map[id.UserID]struct{})
	}
	if _, present := list.IgnoredUsers[userID]; present == ignore {
		return nil
	}
	if ignore {
		list.IgnoredUsers[userID] = struct{}{}
	} else {
		delete(list.IgnoredUsers, userID)
	}

	if err := client.SetAccountData(ctx, ignoredUserListType, &list); err != nil {
		return fmt.Errorf("writing ignored users: %w", err)
	}
	a.logger.Info("updated ignored users", "user_id", userID, "ignored", ignore)
	return nil
}

func (a *Adapter) parseUserID(contact string) (id.UserID, error) {
	userID := id.UserID(contact)
	if _, _, err := userID.Parse(); err != nil {
		return "", session.NewError(session.ErrInvalid, a.id, fmt.Sprintf("%q is not a Matrix user id", contact), err)
	}
	return userID, nil
}
