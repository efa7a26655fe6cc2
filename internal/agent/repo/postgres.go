package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Capmap-core-v1/server/internal/agent/model"
	errx "github.com/Capmap-core-v1/server/internal/core/error"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// Interaction is one row of the interactions table.
type Interaction struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID      string    `gorm:"column:session_id;index:idx_interactions_session_ts,priority:1;not null"`
	UserInput      string    `gorm:"column:user_input;not null"`
	AssistantReply string    `gorm:"column:assistant_reply;not null"`
	Timestamp      time.Time `gorm:"column:timestamp;index:idx_interactions_session_ts,priority:2;not null"`
	MarkdownTable  *string   `gorm:"column:markdown_table"`
}

func (Interaction) TableName() string { return "interactions" }

// ChatMessage mirrors a turn half into the chat UI's message table.
type ChatMessage struct {
	ID          string    `gorm:"column:id;primaryKey;type:uuid"`
	ChatID      string    `gorm:"column:chatId;index;not null"`
	Role        string    `gorm:"column:role;not null"`
	Parts       string    `gorm:"column:parts;type:json;not null"`
	Attachments string    `gorm:"column:attachments;type:json;not null"`
	CreatedAt   time.Time `gorm:"column:createdAt;not null"`
}

func (ChatMessage) TableName() string { return "Message_v2" }

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PostgresSessionStore keeps session history in PostgreSQL.
type PostgresSessionStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgresSessionStore(db *gorm.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db, now: time.Now}
}

// EnsureSchema creates the history tables when they do not exist.
func (s *PostgresSessionStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Interaction{}, &ChatMessage{}); err != nil {
		logx.Error().Err(err).Msg("failed to migrate history tables")
		return errx.WrapPostgres(err)
	}
	return nil
}

func (s *PostgresSessionStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		return []model.Turn{}, nil
	}

	var rows []Interaction
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order(`"timestamp" DESC`).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to load history from postgres")
		return nil, errx.WrapPostgres(err)
	}

	turns := make([]model.Turn, 0, len(rows))
	for _, r := range rows {
		turns = append(turns, model.Turn{
			Input:     r.UserInput,
			Reply:     r.AssistantReply,
			Table:     r.MarkdownTable,
			CreatedAt: r.Timestamp,
		})
	}
	return turns, nil
}

// RecordInteraction stores the turn and its two chat messages in one transaction.
func (s *PostgresSessionStore) RecordInteraction(ctx context.Context, sessionID, input, reply string, table *string) error {
	now := s.now().UTC()

	userMsg, err := newChatMessage(sessionID, "user", input, now)
	if err != nil {
		return err
	}
	// Keep the assistant message strictly after the user message.
	assistantMsg, err := newChatMessage(sessionID, "assistant", reply, now.Add(time.Millisecond))
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&Interaction{
			SessionID:      sessionID,
			UserInput:      input,
			AssistantReply: reply,
			Timestamp:      now,
			MarkdownTable:  table,
		}).Error; err != nil {
			return err
		}
		return tx.Create([]*ChatMessage{userMsg, assistantMsg}).Error
	})
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to record interaction in postgres")
		return errx.WrapPostgres(err)
	}
	return nil
}

func newChatMessage(chatID, role, text string, at time.Time) (*ChatMessage, error) {
	parts, err := json.Marshal([]messagePart{{Type: "text", Text: text}})
	if err != nil {
		return nil, fmt.Errorf("marshal message parts: %w", err)
	}
	return &ChatMessage{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		Role:        role,
		Parts:       string(parts),
		Attachments: "[]",
		CreatedAt:   at,
	}, nil
}

var _ model.SessionStore = (*PostgresSessionStore)(nil)
