package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haasonsaas/taskloop/internal/memory/vector"
	"github.com/haasonsaas/taskloop/pkg/models"
)

// CockroachStore implements Store using CockroachDB.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore wraps an open database handle.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

const messageColumns = `id, user_id, session_id, role, message,
		COALESCE(embedding::STRING, ''), inserted_at`

// Create inserts a message.
func (s *CockroachStore) Create(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, user_id, session_id, role, message, embedding, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6::VECTOR, $7)
	`,
		msg.ID,
		msg.UserID,
		msg.SessionID,
		string(msg.Role),
		msg.Content,
		vector.NullLiteral(msg.Embedding),
		msg.InsertedAt,
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// List returns a page of the user's messages in a session, oldest first.
func (s *CockroachStore) List(ctx context.Context, opts ListOptions) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages
		WHERE user_id = $1 AND session_id = $2
		ORDER BY inserted_at ASC, id ASC`
	args := []any{opts.UserID, opts.SessionID}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryMessages(ctx, "list messages", query, args...)
}

// SessionOwner returns the owner of the earliest message in the session.
func (s *CockroachStore) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM chat_messages
		WHERE session_id = $1
		ORDER BY inserted_at ASC
		LIMIT 1
	`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session owner: %w", err)
	}
	return owner, nil
}

// Search ranks the user's embedded messages by cosine distance.
func (s *CockroachStore) Search(ctx context.Context, query SearchQuery) ([]ScoredMessage, error) {
	if len(query.Embedding) == 0 {
		return nil, nil
	}
	sqlQuery := `SELECT ` + messageColumns + `, embedding <=> $2::VECTOR AS distance
		FROM chat_messages
		WHERE user_id = $1
		  AND embedding IS NOT NULL
		  AND (embedding <=> $2::VECTOR) <= $3`
	args := []any{query.UserID, vector.Literal(query.Embedding), query.MaxDistance}
	if query.Role != "" {
		args = append(args, string(query.Role))
		sqlQuery += fmt.Sprintf(" AND role = $%d", len(args))
	}
	args = append(args, query.Limit)
	sqlQuery += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var hits []ScoredMessage
	for rows.Next() {
		var distance float64
		msg, err := scanMessage(rows, &distance)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if msg.UserID != query.UserID {
			continue
		}
		hits = append(hits, ScoredMessage{Message: msg, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return hits, nil
}

// ListMissingEmbeddings returns user and assistant messages without a vector.
func (s *CockroachStore) ListMissingEmbeddings(ctx context.Context, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx, "list messages missing embeddings", `SELECT `+messageColumns+` FROM chat_messages
		WHERE embedding IS NULL AND role IN ('user', 'assistant') AND message <> ''
		ORDER BY inserted_at ASC
		LIMIT $1`, limit)
}

// SetEmbedding attaches a vector to an existing message.
func (s *CockroachStore) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_messages SET embedding = $2::VECTOR WHERE id = $1`,
		id, vector.NullLiteral(embedding))
	if err != nil {
		return fmt.Errorf("set message embedding: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set message embedding: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("set embedding %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *CockroachStore) queryMessages(ctx context.Context, op, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, extra ...any) (*models.Message, error) {
	var (
		msg       models.Message
		role      string
		embedding string
	)
	dest := append([]any{
		&msg.ID,
		&msg.UserID,
		&msg.SessionID,
		&role,
		&msg.Content,
		&embedding,
		&msg.InsertedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	if embedding != "" {
		vec, err := vector.ParseLiteral(embedding)
		if err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
		msg.Embedding = vec
	}
	return &msg, nil
}
