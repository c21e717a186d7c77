package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

const messageSelectCols = `id, context_id, frontend_msg_id, remote_chat, remote_msg_id, direction, author, evicted, created_at`

func (s *PGMessageStore) PutMessage(ctx context.Context, msg *store.MessageData) error {
	if msg.ID == uuid.Nil {
		msg.ID = store.GenNewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_refs (`+messageSelectCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
		 ON CONFLICT (context_id, frontend_msg_id) DO UPDATE SET
		   remote_chat = EXCLUDED.remote_chat,
		   remote_msg_id = EXCLUDED.remote_msg_id,
		   direction = EXCLUDED.direction,
		   author = EXCLUDED.author,
		   evicted = false,
		   created_at = EXCLUDED.created_at`,
		msg.ID, msg.ContextID, msg.FrontendMsgID, msg.RemoteChat, msg.RemoteMsgID,
		msg.Direction, msg.Author, msg.CreatedAt,
	)
	return classify("put message", err)
}

func (s *PGMessageStore) GetByFrontend(ctx context.Context, contextID int64, frontendMsgID int) (*store.MessageData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageSelectCols+` FROM message_refs WHERE context_id = $1 AND frontend_msg_id = $2`,
		contextID, frontendMsgID)
	return scanMessageRow(row)
}

func (s *PGMessageStore) GetByRemote(ctx context.Context, remoteChat, remoteMsgID string) (*store.MessageData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageSelectCols+` FROM message_refs WHERE remote_chat = $1 AND remote_msg_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		remoteChat, remoteMsgID)
	return scanMessageRow(row)
}

func (s *PGMessageStore) MarkEvicted(ctx context.Context, contextID int64, frontendMsgID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_refs SET evicted = true WHERE context_id = $1 AND frontend_msg_id = $2`,
		contextID, frontendMsgID)
	return classify("mark evicted", err)
}

func scanMessageRow(row *sql.Row) (*store.MessageData, error) {
	var d store.MessageData
	err := row.Scan(&d.ID, &d.ContextID, &d.FrontendMsgID, &d.RemoteChat, &d.RemoteMsgID,
		&d.Direction, &d.Author, &d.Evicted, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("scan message", err)
	}
	return &d, nil
}
