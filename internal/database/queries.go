package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-teamchat/internal/types"
)

const (
	createSubQuery = "INSERT INTO subscriptions (account_id, room_id, role, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5) RETURNING id, account_id, room_id, role"

	messageColumns = "m.id, m.client_id, m.room_id, m.user_id, a.username, m.content, m.type, " +
		"m.reply_to, m.attachments, m.edited_at, m.deleted, m.created_at"

	defaultPageLimit = 50
)

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (db *PgChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	workspace := params.Workspace
	if workspace == "" {
		workspace = "default"
	}

	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, workspace, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, username, email, workspace, created_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		workspace,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Workspace,
		&u.CreatedAt,
	)

	return u, err
}

func (db *PgChatRepository) UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRowContext(ctx,
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, username, email, workspace",
		params.UserId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Workspace,
	)

	return u, notFound(err)
}

func (db *PgChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, workspace, created_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.Workspace,
		&user.CreatedAt,
	)

	return user, notFound(err)
}

func (db *PgChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, workspace FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.Workspace,
	)

	return user, notFound(err)
}

func (db *PgChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, external_id, name, description, kind, encrypted, encryption_key_id, workspace, owner_id, created_at, updated_at "+
			"FROM rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Description,
		&room.Kind,
		&room.Encrypted,
		&room.EncryptionKeyId,
		&room.Workspace,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, notFound(err)
}

func (db *PgChatRepository) GetRoomWithSubscribers(ctx context.Context, roomId int) (*Room, error) {
	query := `
		SELECT
				r.id,
				r.external_id,
				r.name,
				r.description,
				r.kind,
				r.encrypted,
				r.encryption_key_id,
				r.workspace,
				r.owner_id,
				r.created_at,
				r.updated_at,
				s.id,
				s.account_id,
				s.role,
				a.username,
				s.created_at,
				s.updated_at
		FROM rooms r
		LEFT JOIN subscriptions s ON r.id = s.room_id
		LEFT JOIN accounts a ON s.account_id = a.id
		WHERE r.id = $1
		ORDER BY s.id;
`

	rows, err := db.conn.QueryContext(ctx, query, roomId)
	if err != nil {
		return nil, fmt.Errorf("fetch room with subscribers: %w", err)
	}
	defer rows.Close()

	var room *Room
	for rows.Next() {
		var (
			r                     Room
			subscriptionId        sql.NullInt64
			accountId             sql.NullInt64
			role                  sql.NullString
			username              sql.NullString
			subscriptionCreatedAt sql.NullTime
			subscriptionUpdatedAt sql.NullTime
		)

		err := rows.Scan(
			&r.Id,
			&r.ExternalId,
			&r.Name,
			&r.Description,
			&r.Kind,
			&r.Encrypted,
			&r.EncryptionKeyId,
			&r.Workspace,
			&r.OwnerId,
			&r.CreatedAt,
			&r.UpdatedAt,
			&subscriptionId,
			&accountId,
			&role,
			&username,
			&subscriptionCreatedAt,
			&subscriptionUpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if room == nil {
			r.Subscriptions = make([]Subscription, 0)
			room = &r
		}

		if accountId.Valid && username.Valid {
			room.Subscriptions = append(room.Subscriptions, Subscription{
				Id:        int(subscriptionId.Int64),
				AccountId: int(accountId.Int64),
				RoomId:    room.Id,
				Role:      types.Role(role.String),
				Username:  username.String,
				CreatedAt: subscriptionCreatedAt.Time,
				UpdatedAt: subscriptionUpdatedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if room == nil {
		return nil, fmt.Errorf("room with id %d: %w", roomId, ErrNotFound)
	}

	return room, nil
}

// CreateRoom inserts the room and subscribes its owner in one transaction.
func (db *PgChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	kind := params.Kind
	if kind == "" {
		kind = types.RoomKindGeneral
	}
	now := time.Now().UTC()

	res := tx.QueryRowContext(ctx,
		"INSERT INTO rooms (name, external_id, description, kind, encrypted, encryption_key_id, workspace, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9) "+
			"RETURNING id, name, external_id, description, kind, encrypted, encryption_key_id, workspace, owner_id, created_at, updated_at",
		params.Name,
		params.ExternalId,
		params.Description,
		kind,
		params.Encrypted,
		params.EncryptionKeyId,
		params.Workspace,
		params.OwnerId,
		now,
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.Name,
		&room.ExternalId,
		&room.Description,
		&room.Kind,
		&room.Encrypted,
		&room.EncryptionKeyId,
		&room.Workspace,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	_, err = tx.ExecContext(ctx, createSubQuery, params.OwnerId, room.Id, string(types.RoleOwner), now, now)
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

// DeleteRoom removes the room. Subscriptions, messages and reactions go
// with it through cascading foreign keys.
func (db *PgChatRepository) DeleteRoom(ctx context.Context, id int) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PgChatRepository) CreateSubscription(ctx context.Context, userId, roomId int, role string) (Subscription, error) {
	if role == "" {
		role = string(types.RoleMember)
	}
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(ctx, createSubQuery, userId, roomId, role, now, now)

	var sub Subscription
	err := res.Scan(
		&sub.Id,
		&sub.AccountId,
		&sub.RoomId,
		&sub.Role,
	)

	return sub, err
}

func (db *PgChatRepository) SubscriptionExists(ctx context.Context, accountId, roomId int) bool {
	res := db.conn.QueryRowContext(ctx,
		"SELECT id FROM subscriptions WHERE account_id = $1 AND room_id = $2 LIMIT 1",
		accountId,
		roomId,
	)

	var id int
	return res.Scan(&id) == nil
}

func (db *PgChatRepository) ListSubscriptions(ctx context.Context, accountId int) ([]Subscription, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT s.id, s.role, s.created_at, r.id, r.external_id, r.name, r.description, r.kind, "+
			"r.encrypted, r.encryption_key_id, r.workspace, r.owner_id, r.created_at "+
			"FROM subscriptions s JOIN rooms r ON r.id = s.room_id WHERE s.account_id = $1 ORDER BY r.name",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		var sub Subscription
		err := rows.Scan(
			&sub.Id,
			&sub.Role,
			&sub.CreatedAt,
			&sub.Room.Id,
			&sub.Room.ExternalId,
			&sub.Room.Name,
			&sub.Room.Description,
			&sub.Room.Kind,
			&sub.Room.Encrypted,
			&sub.Room.EncryptionKeyId,
			&sub.Room.Workspace,
			&sub.Room.OwnerId,
			&sub.Room.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		sub.AccountId = accountId
		sub.RoomId = sub.Room.Id
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

func (db *PgChatRepository) DeleteSubscription(ctx context.Context, accountId, roomId int) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE account_id = $1 AND room_id = $2",
		accountId,
		roomId,
	)

	return err
}

func (db *PgChatRepository) GetSubscribersByRoomId(ctx context.Context, roomId int) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT a.id, a.username, a.email FROM subscriptions AS s "+
			"JOIN accounts AS a ON s.account_id = a.id WHERE s.room_id = $1",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]User, 0)
	for rows.Next() {
		var sub User
		if err := rows.Scan(&sub.Id, &sub.Username, &sub.EmailAddress); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg         Message
		replyTo     sql.NullString
		attachments []byte
		editedAt    sql.NullTime
	)

	err := row.Scan(
		&msg.Id,
		&msg.ClientId,
		&msg.RoomId,
		&msg.UserId,
		&msg.Username,
		&msg.Content,
		&msg.Type,
		&replyTo,
		&attachments,
		&editedAt,
		&msg.Deleted,
		&msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	msg.ReplyTo = replyTo.String
	if editedAt.Valid {
		t := editedAt.Time.UTC()
		msg.EditedAt = &t
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return msg, nil
}

func encodeAttachments(list []types.Attachment) ([]byte, error) {
	if list == nil {
		list = []types.Attachment{}
	}
	return json.Marshal(list)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	attachments, err := encodeAttachments(msg.Attachments)
	if err != nil {
		return Message{}, err
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO messages (id, client_id, room_id, user_id, content, type, reply_to, attachments, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		msg.Id,
		msg.ClientId,
		msg.RoomId,
		msg.UserId,
		msg.Content,
		msg.Type,
		nullString(msg.ReplyTo),
		attachments,
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	return db.GetMessage(ctx, msg.Id)
}

func (db *PgChatRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.user_id WHERE m.id = $1",
		id,
	)
	msg, err := scanMessage(row)
	return msg, notFound(err)
}

func (db *PgChatRepository) GetMessageByClientId(ctx context.Context, roomId int, clientId string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.client_id = $2",
		roomId,
		clientId,
	)
	msg, err := scanMessage(row)
	return msg, notFound(err)
}

// GetMessages returns one page of a room's history in ascending order and
// whether older messages exist. Deleted messages are included.
func (db *PgChatRepository) GetMessages(ctx context.Context, params MessagePageParams) ([]Message, bool, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if params.BeforeTime.IsZero() {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.user_id "+
				"WHERE m.room_id = $1 ORDER BY m.created_at DESC, m.id DESC LIMIT $2",
			params.RoomId,
			limit+1,
		)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.user_id "+
				"WHERE m.room_id = $1 AND (m.created_at, m.id) < ($2, $3::uuid) "+
				"ORDER BY m.created_at DESC, m.id DESC LIMIT $4",
			params.RoomId,
			params.BeforeTime,
			params.BeforeId,
			limit+1,
		)
	}
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	newestFirst := make([]Message, 0, limit+1)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	page, hasMore := pageFromRows(newestFirst, limit)
	if err := db.attachReactions(ctx, page); err != nil {
		return nil, false, err
	}
	return page, hasMore, nil
}

// pageFromRows turns up to limit+1 rows fetched newest first into an
// ascending page of at most limit messages.
func pageFromRows(newestFirst []Message, limit int) ([]Message, bool) {
	hasMore := len(newestFirst) > limit
	if hasMore {
		newestFirst = newestFirst[:limit]
	}

	page := make([]Message, len(newestFirst))
	for i, msg := range newestFirst {
		page[len(newestFirst)-1-i] = msg
	}
	return page, hasMore
}

func (db *PgChatRepository) attachReactions(ctx context.Context, page []Message) error {
	if len(page) == 0 {
		return nil
	}

	ids := make([]string, 0, len(page))
	index := make(map[string]int, len(page))
	for i, msg := range page {
		ids = append(ids, msg.Id)
		index[msg.Id] = i
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT r.id, r.message_id, r.user_id, a.username, r.type, r.created_at FROM reactions r "+
			"JOIN accounts a ON a.id = r.user_id WHERE r.message_id = ANY($1::uuid[]) ORDER BY r.created_at",
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("fetch reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.Id, &r.MessageId, &r.UserId, &r.Username, &r.Type, &r.CreatedAt); err != nil {
			return err
		}
		if i, ok := index[r.MessageId]; ok {
			page[i].Reactions = append(page[i].Reactions, r)
		}
	}
	return rows.Err()
}

// lockMessage loads a live message for update and checks that userId sent it.
func lockMessage(ctx context.Context, tx *sql.Tx, id string, userId int) error {
	var (
		owner   int
		deleted bool
	)
	err := tx.QueryRowContext(ctx,
		"SELECT user_id, deleted FROM messages WHERE id = $1 FOR UPDATE",
		id,
	).Scan(&owner, &deleted)
	if err != nil {
		return notFound(err)
	}
	if deleted {
		return ErrNotFound
	}
	if owner != userId {
		return ErrForbidden
	}
	return nil
}

// EditMessage replaces the content of a message sent by userId.
func (db *PgChatRepository) EditMessage(ctx context.Context, id string, userId int, content string, editedAt time.Time) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = lockMessage(ctx, tx, id, userId); err != nil {
		return Message{}, err
	}

	if _, err = tx.ExecContext(ctx,
		"UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1",
		id,
		content,
		editedAt,
	); err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}
	return db.GetMessage(ctx, id)
}

// DeleteMessage soft-deletes a message sent by userId. The row keeps its
// place in history with content, attachments and reactions removed.
func (db *PgChatRepository) DeleteMessage(ctx context.Context, id string, userId int) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = lockMessage(ctx, tx, id, userId); err != nil {
		return Message{}, err
	}

	if _, err = tx.ExecContext(ctx,
		"UPDATE messages SET content = '', attachments = '[]', deleted = TRUE WHERE id = $1",
		id,
	); err != nil {
		return Message{}, err
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM reactions WHERE message_id = $1", id); err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}
	return db.GetMessage(ctx, id)
}

// UpsertReaction sets r as the user's only reaction on its message. The
// same type again changes nothing; a different type replaces the old row.
func (db *PgChatRepository) UpsertReaction(ctx context.Context, r Reaction) (ReactionUpsert, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return ReactionUpsert{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var existing Reaction
	err = tx.QueryRowContext(ctx,
		"SELECT id, message_id, user_id, type, created_at FROM reactions "+
			"WHERE message_id = $1 AND user_id = $2 FOR UPDATE",
		r.MessageId,
		r.UserId,
	).Scan(&existing.Id, &existing.MessageId, &existing.UserId, &existing.Type, &existing.CreatedAt)

	var out ReactionUpsert
	switch {
	case err == nil && existing.Type == r.Type:
		existing.Username = r.Username
		err = tx.Commit()
		return ReactionUpsert{Reaction: existing}, err
	case err == nil:
		if _, err = tx.ExecContext(ctx, "DELETE FROM reactions WHERE id = $1", existing.Id); err != nil {
			return ReactionUpsert{}, err
		}
		existing.Username = r.Username
		out.Replaced = &existing
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	default:
		return ReactionUpsert{}, err
	}

	if _, err = tx.ExecContext(ctx,
		"INSERT INTO reactions (id, message_id, user_id, type, created_at) VALUES ($1, $2, $3, $4, $5)",
		r.Id,
		r.MessageId,
		r.UserId,
		r.Type,
		r.CreatedAt,
	); err != nil {
		return ReactionUpsert{}, err
	}

	if err = tx.Commit(); err != nil {
		return ReactionUpsert{}, err
	}

	out.Reaction = r
	out.Changed = true
	return out, nil
}

// DeleteReaction removes a reaction owned by userId.
func (db *PgChatRepository) DeleteReaction(ctx context.Context, id string, userId int) (Reaction, error) {
	var r Reaction
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, message_id, user_id, type FROM reactions WHERE id = $1",
		id,
	).Scan(&r.Id, &r.MessageId, &r.UserId, &r.Type)
	if err != nil {
		return Reaction{}, notFound(err)
	}
	if r.UserId != userId {
		return Reaction{}, ErrForbidden
	}

	if _, err := db.conn.ExecContext(ctx, "DELETE FROM reactions WHERE id = $1 AND user_id = $2", id, userId); err != nil {
		return Reaction{}, err
	}
	return r, nil
}
