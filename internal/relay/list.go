package relay

import (
	"context"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/phone"
)

// MessagePage is one page of messages, newest first.
type MessagePage struct {
	Messages    []*domain.Message `json:"messages"`
	Count       int               `json:"count"`
	HasMore     bool              `json:"hasMore"`
	PhoneNumber string            `json:"phoneNumber,omitempty"`
	// PhoneDisplay is PhoneNumber in international format.
	PhoneDisplay string `json:"phoneDisplay,omitempty"`
}

// page fetches one row beyond limit to learn whether more exist.
func page(limit int, fetch func(limit int) ([]*domain.Message, error)) (*MessagePage, error) {
	rows, err := fetch(limit + 1)
	if err != nil {
		return nil, err
	}
	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []*domain.Message{}
	}
	return &MessagePage{Messages: rows, Count: len(rows), HasMore: more}, nil
}

func (r *Relay) ListBySession(ctx context.Context, tenantID string, sessionID int64, limit, offset int) (*MessagePage, error) {
	if _, err := r.sessionFor(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	limit = pageSize(limit, defaultPageSize)
	return page(limit, func(n int) ([]*domain.Message, error) {
		return r.store.Messages.ListBySession(ctx, sessionID, n, offset)
	})
}

func (r *Relay) ListBySubaccount(ctx context.Context, tenantID string, subaccountID int64, limit, offset int) (*MessagePage, error) {
	if err := r.guard.RequireSubaccount(ctx, tenantID, subaccountID); err != nil {
		return nil, err
	}
	limit = pageSize(limit, defaultPageSize)
	return page(limit, func(n int) ([]*domain.Message, error) {
		return r.store.Messages.ListBySubaccount(ctx, subaccountID, n, offset)
	})
}

// Conversation lists the messages of a session exchanged with number.
func (r *Relay) Conversation(ctx context.Context, tenantID string, sessionID int64, number string, limit, offset int) (*MessagePage, error) {
	if _, err := r.sessionFor(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	normalized, err := phone.Normalize(number)
	if err != nil {
		return nil, err
	}
	limit = pageSize(limit, defaultConvPageSize)
	p, err := page(limit, func(n int) ([]*domain.Message, error) {
		return r.store.Messages.Conversation(ctx, sessionID, normalized, n, offset)
	})
	if err != nil {
		return nil, err
	}
	p.PhoneNumber = normalized
	p.PhoneDisplay = phone.FormatForDisplay(normalized)
	return p, nil
}
