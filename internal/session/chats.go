// ABOUTME: Registry operations that read chats and manage contacts of a ready session
// ABOUTME: Each one dispatches to an optional adapter interface

package session

import (
	"context"
	"fmt"
)

const (
	// DefaultHistoryLimit is the number of messages ChatMessages returns when no limit is given.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps a single history request.
	MaxHistoryLimit = 500
)

// readyAdapter returns the adapter of a ready session, or NotFound / NotReady.
func (r *Registry) readyAdapter(rawID string) (string, *record, Adapter, error) {
	id, rec := r.lookup(rawID)
	if rec == nil {
		return id, nil, nil, NewError(ErrNotFound, id, "", nil)
	}
	status, adapter := rec.current()
	if status != StatusReady {
		return id, rec, nil, NewError(ErrNotReady, id, fmt.Sprintf("status is %s", status), nil)
	}
	return id, rec, adapter, nil
}

func (r *Registry) touch(rec *record) {
	now := r.now()
	rec.mu.Lock()
	rec.lastActivity = now
	rec.mu.Unlock()
}

// Chats lists the conversations of a ready session.
func (r *Registry) Chats(ctx context.Context, rawID string) ([]Chat, error) {
	id, _, adapter, err := r.readyAdapter(rawID)
	if err != nil {
		return nil, err
	}
	lister, ok := adapter.(ChatLister)
	if !ok {
		return nil, NewError(ErrUnsupported, id, "adapter cannot list chats", nil)
	}

	chats, err := lister.Chats(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing chats of session %s: %w", id, err)
	}
	if chats == nil {
		chats = []Chat{}
	}
	return chats, nil
}

// ChatMessages returns up to limit recent messages of a chat, oldest first.
// A zero limit means DefaultHistoryLimit; larger limits are capped at MaxHistoryLimit.
func (r *Registry) ChatMessages(ctx context.Context, rawID, chatID string, limit int) ([]Message, error) {
	id, _, adapter, err := r.readyAdapter(rawID)
	if err != nil {
		return nil, err
	}
	if chatID == "" {
		return nil, NewError(ErrInvalid, id, "chat id is empty", nil)
	}
	switch {
	case limit < 0:
		return nil, NewError(ErrInvalid, id, fmt.Sprintf("limit %d is negative", limit), nil)
	case limit == 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	reader, ok := adapter.(HistoryReader)
	if !ok {
		return nil, NewError(ErrUnsupported, id, "adapter cannot read chat history", nil)
	}

	msgs, err := reader.ChatMessages(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("reading chat %s of session %s: %w", chatID, id, err)
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// DownloadMedia fetches the attachment of one message.
func (r *Registry) DownloadMedia(ctx context.Context, rawID, chatID, messageID string) (*Media, error) {
	id, _, adapter, err := r.readyAdapter(rawID)
	if err != nil {
		return nil, err
	}
	if chatID == "" || messageID == "" {
		return nil, NewError(ErrInvalid, id, "chat id and message id are required", nil)
	}
	downloader, ok := adapter.(MediaDownloader)
	if !ok {
		return nil, NewError(ErrUnsupported, id, "adapter cannot download media", nil)
	}

	media, err := downloader.DownloadMedia(ctx, chatID, messageID)
	if err != nil {
		return nil, fmt.Errorf("downloading media of message %s in session %s: %w", messageID, id, err)
	}
	return media, nil
}

// CheckContact reports whether contact is a registered account.
func (r *Registry) CheckContact(ctx context.Context, rawID, contact string) (Contact, error) {
	id, _, adapter, err := r.readyAdapter(rawID)
	if err != nil {
		return Contact{}, err
	}
	if contact == "" {
		return Contact{}, NewError(ErrInvalid, id, "contact is empty", nil)
	}
	checker, ok := adapter.(ContactChecker)
	if !ok {
		return Contact{}, NewError(ErrUnsupported, id, "adapter cannot check contacts", nil)
	}

	info, err := checker.CheckContact(ctx, contact)
	if err != nil {
		return Contact{}, fmt.Errorf("checking contact %s from session %s: %w", contact, id, err)
	}
	return info, nil
}

// Block stops a contact from reaching the session.
func (r *Registry) Block(ctx context.Context, rawID, contact string) error {
	return r.setBlocked(ctx, rawID, contact, true)
}

// Unblock reverses Block.
func (r *Registry) Unblock(ctx context.Context, rawID, contact string) error {
	return r.setBlocked(ctx, rawID, contact, false)
}

func (r *Registry) setBlocked(ctx context.Context, rawID, contact string, blocked bool) error {
	id, rec, adapter, err := r.readyAdapter(rawID)
	if err != nil {
		return err
	}
	if contact == "" {
		return NewError(ErrInvalid, id, "contact is empty", nil)
	}
	blocker, ok := adapter.(Blocker)
	if !ok {
		return NewError(ErrUnsupported, id, "adapter cannot block contacts", nil)
	}

	if blocked {
		err = blocker.Block(ctx, contact)
	} else {
		err = blocker.Unblock(ctx, contact)
	}
	if err != nil {
		verb := "blocking"
		if !blocked {
			verb = "unblocking"
		}
		return fmt.Errorf("%s %s from session %s: %w", verb, contact, id, err)
	}
	r.touch(rec)
	return nil
}
