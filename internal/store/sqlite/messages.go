package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// MessageStore implements store.MessageStore.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageCols = `id, context_id, frontend_msg_id, remote_chat, remote_msg_id, direction, author, evicted, created_ts`

func (s *MessageStore) PutMessage(ctx context.Context, msg *store.MessageData) error {
	if msg.ID == uuid.Nil {
		msg.ID = store.GenNewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_refs (`+messageCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (context_id, frontend_msg_id) DO UPDATE SET
		   remote_chat = excluded.remote_chat,
		   remote_msg_id = excluded.remote_msg_id,
		   direction = excluded.direction,
		   author = excluded.author,
		   evicted = 0,
		   created_ts = excluded.created_ts`,
		msg.ID.String(), msg.ContextID, msg.FrontendMsgID, msg.RemoteChat, msg.RemoteMsgID,
		msg.Direction, msg.Author, toMillis(msg.CreatedAt),
	)
	return classify("put message", err)
}

func (s *MessageStore) GetByFrontend(ctx context.Context, contextID int64, frontendMsgID int) (*store.MessageData, error) {
	return scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM message_refs WHERE context_id = ? AND frontend_msg_id = ?`,
		contextID, frontendMsgID))
}

func (s *MessageStore) GetByRemote(ctx context.Context, remoteChat, remoteMsgID string) (*store.MessageData, error) {
	return scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM message_refs WHERE remote_chat = ? AND remote_msg_id = ?
		 ORDER BY created_ts DESC LIMIT 1`,
		remoteChat, remoteMsgID))
}

func (s *MessageStore) MarkEvicted(ctx context.Context, contextID int64, frontendMsgID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_refs SET evicted = 1 WHERE context_id = ? AND frontend_msg_id = ?`,
		contextID, frontendMsgID)
	return classify("mark evicted", err)
}

func scanMessage(row *sql.Row) (*store.MessageData, error) {
	var d store.MessageData
	var id string
	var created int64
	err := row.Scan(&id, &d.ContextID, &d.FrontendMsgID, &d.RemoteChat, &d.RemoteMsgID,
		&d.Direction, &d.Author, &d.Evicted, &created)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("scan message", err)
	}
	d.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, store.Fatal("decode message id", err)
	}
	d.CreatedAt = fromMillis(created)
	return &d, nil
}
