package model

import (
	"context"
	"time"
)

// Turn is one persisted user/assistant exchange.
type Turn struct {
	Input     string    `json:"user_input"`
	Reply     string    `json:"assistant_reply"`
	Table     *string   `json:"markdown_table,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}

type SessionStore interface {
	// GetHistory returns up to limit turns for the session, most recent first.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// RecordInteraction appends one turn to the session.
	RecordInteraction(ctx context.Context, sessionID, input, reply string, table *string) error
}

// Chronological returns a copy of turns ordered oldest first.
func Chronological(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[len(turns)-1-i] = t
	}
	return out
}
