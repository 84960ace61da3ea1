// Package notify renders tracker state as Discord webhook messages.
//
// Board messages are edited in place. Their ids are owned by the Notifier
// and persisted through a MessageStore so restarts keep editing the same
// messages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"htbtracker/internal/domain"
	"htbtracker/internal/logging"
	"htbtracker/internal/repo"
)

// MessageStore persists the message id shown in each board slot.
// MessageRef returns repo.ErrNotFound for an empty slot.
type MessageStore interface {
	MessageRef(ctx context.Context, slot string) (string, error)
	SaveMessageRef(ctx context.Context, slot, messageID string) error
	DeleteMessageRef(ctx context.Context, slot string) error
}

// Publisher is what the tracker needs from a notifier.
type Publisher interface {
	FirstBlood(ctx context.Context, fb domain.FirstBlood) error
	PublishBoard(ctx context.Context, b domain.Board) error
}

type Notifier struct {
	// FirstBloods and Board may be nil to disable that output.
	FirstBloods *Webhook
	Board       *Webhook
	Store       MessageStore
	Username    string
	Footer      string
	Now         func() time.Time
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n *Notifier) payload(e Embed) WebhookPayload {
	return WebhookPayload{Username: n.Username, Embeds: []Embed{e}}
}

func (n *Notifier) FirstBlood(ctx context.Context, fb domain.FirstBlood) error {
	if n.FirstBloods == nil {
		return nil
	}
	_, err := n.FirstBloods.Post(ctx, n.payload(FirstBloodEmbed(fb, n.Footer, n.now())))
	if err != nil {
		return fmt.Errorf("post first blood: %w", err)
	}
	return nil
}

// PublishBoard brings every board slot in line with b: edit the existing
// message, post a new one when it is missing, delete it when the slot has
// nothing left.
func (n *Notifier) PublishBoard(ctx context.Context, b domain.Board) error {
	if n.Board == nil {
		return nil
	}
	embeds := BoardEmbeds(b, n.Footer, n.now())
	var errs []error
	for _, slot := range BoardSlots {
		if err := n.publishSlot(ctx, slot, embeds[slot]); err != nil {
			logging.Warn().Err(err).Str("slot", slot).Msg("board slot not published")
			errs = append(errs, fmt.Errorf("%s: %w", slot, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) publishSlot(ctx context.Context, slot string, embed *Embed) error {
	id, err := n.Store.MessageRef(ctx, slot)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if id != "" {
		if embed == nil {
			if err := n.Board.Delete(ctx, id); err != nil {
				return err
			}
			return n.Store.DeleteMessageRef(ctx, slot)
		}
		err := n.Board.Edit(ctx, id, n.payload(*embed))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrMessageGone) {
			return err
		}
		logging.Info().Str("slot", slot).Str("message", id).Msg("board message gone, posting a new one")
	}
	if embed == nil {
		return nil
	}
	newID, err := n.Board.Post(ctx, n.payload(*embed))
	if err != nil {
		return err
	}
	return n.Store.SaveMessageRef(ctx, slot, newID)
}
