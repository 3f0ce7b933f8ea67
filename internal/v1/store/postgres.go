package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labrook/dino/internal/v1/types"
)

// Postgres is the durable Store implementation shared by all nodes.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ types.Store = (*Postgres)(nil)

// NewPostgres opens a Postgres-backed store and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Pool exposes the underlying pool for health checks.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Ping answers the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool, honoring the context deadline.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS channels (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    channel_id TEXT NOT NULL REFERENCES channels (id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS users (
    id     TEXT PRIMARY KEY,
    name   TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'offline'
);

CREATE TABLE IF NOT EXISTS rooms_users_association_table (
    room_id TEXT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS roles (
    user_id  TEXT NOT NULL,
    role     TEXT NOT NULL,
    scope_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (user_id, role, scope_id)
);

CREATE TABLE IF NOT EXISTS bans (
    banned_id  TEXT NOT NULL,
    scope      TEXT NOT NULL,
    scope_id   TEXT NOT NULL DEFAULT '',
    until_ts   BIGINT NOT NULL,
    duration   TEXT NOT NULL DEFAULT '',
    reason     TEXT NOT NULL DEFAULT '',
    banner_id  TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (banned_id, scope, scope_id)
);

CREATE TABLE IF NOT EXISTS acls (
    scope_id   TEXT NOT NULL,
    action     TEXT NOT NULL,
    attribute  TEXT NOT NULL,
    expression TEXT NOT NULL,
    PRIMARY KEY (scope_id, action, attribute)
);

CREATE TABLE IF NOT EXISTS messages (
    id      TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    body    TEXT NOT NULL,
    sent    TIMESTAMPTZ NOT NULL,
    deleted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_id) WHERE NOT deleted;
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages (user_id) WHERE NOT deleted;
`

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func (p *Postgres) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, channelID).Scan(&exists)
	return exists, err
}

func (p *Postgres) ChannelName(ctx context.Context, channelID string) (string, error) {
	var name string
	err := p.pool.QueryRow(ctx,
		`SELECT name FROM channels WHERE id = $1`, channelID).Scan(&name)
	if isNoRows(err) {
		return "", ErrNotFound
	}
	return name, err
}

func (p *Postgres) CreateChannel(ctx context.Context, channel types.Channel) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO channels (id, name) VALUES ($1, $2)`, channel.ID, channel.Name)
	return err
}

func (p *Postgres) Channels(ctx context.Context) ([]types.Channel, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name FROM channels ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Channel
	for rows.Next() {
		var ch types.Channel
		if err := rows.Scan(&ch.ID, &ch.Name); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (p *Postgres) RoomExists(ctx context.Context, channelID, roomID string) (bool, error) {
	var exists bool
	var err error
	if channelID == "" {
		err = p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists)
	} else {
		err = p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1 AND channel_id = $2)`,
			roomID, channelID).Scan(&exists)
	}
	return exists, err
}

func (p *Postgres) RoomName(ctx context.Context, roomID string) (string, error) {
	var name string
	err := p.pool.QueryRow(ctx,
		`SELECT name FROM rooms WHERE id = $1`, roomID).Scan(&name)
	if isNoRows(err) {
		return "", ErrNotFound
	}
	return name, err
}

func (p *Postgres) ChannelForRoom(ctx context.Context, roomID string) (string, error) {
	var channelID string
	err := p.pool.QueryRow(ctx,
		`SELECT channel_id FROM rooms WHERE id = $1`, roomID).Scan(&channelID)
	if isNoRows(err) {
		return "", ErrNotFound
	}
	return channelID, err
}

func (p *Postgres) RoomNameExists(ctx context.Context, channelID, roomName string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rooms WHERE channel_id = $1 AND name = $2)`,
		channelID, roomName).Scan(&exists)
	return exists, err
}

func (p *Postgres) CreateRoom(ctx context.Context, room types.Room) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rooms (id, name, channel_id) VALUES ($1, $2, $3)`,
		room.ID, room.Name, room.ChannelID)
	return err
}

func (p *Postgres) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	return err
}

func (p *Postgres) RoomsForChannel(ctx context.Context, channelID string) ([]types.Room, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, channel_id FROM rooms WHERE channel_id = $1 ORDER BY name`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRooms(rows)
}

func scanRooms(rows pgx.Rows) ([]types.Room, error) {
	var out []types.Room
	for rows.Next() {
		var room types.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.ChannelID); err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateOrUpdateUser(ctx context.Context, user types.User) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO users (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		user.ID, user.Name)
	return err
}

func (p *Postgres) UserName(ctx context.Context, userID string) (string, error) {
	var name string
	err := p.pool.QueryRow(ctx,
		`SELECT name FROM users WHERE id = $1`, userID).Scan(&name)
	if isNoRows(err) {
		return "", ErrNotFound
	}
	return name, err
}

func (p *Postgres) JoinRoom(ctx context.Context, userID, roomID string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO rooms_users_association_table (room_id, user_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`,
		roomID, userID)
	return err
}

func (p *Postgres) LeaveRoom(ctx context.Context, userID, roomID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM rooms_users_association_table WHERE room_id = $1 AND user_id = $2`,
		roomID, userID)
	return err
}

func (p *Postgres) IsUserInRoom(ctx context.Context, userID, roomID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM rooms_users_association_table WHERE room_id = $1 AND user_id = $2
)`, roomID, userID).Scan(&exists)
	return exists, err
}

func (p *Postgres) RoomsForUser(ctx context.Context, userID string) ([]types.Room, error) {
	rows, err := p.pool.Query(ctx, `
SELECT r.id, r.name, r.channel_id
FROM rooms r
JOIN rooms_users_association_table a ON a.room_id = r.id
WHERE a.user_id = $1
ORDER BY r.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRooms(rows)
}

func (p *Postgres) UsersInRoom(ctx context.Context, roomID string) ([]types.User, error) {
	rows, err := p.pool.Query(ctx, `
SELECT a.user_id, COALESCE(u.name, '')
FROM rooms_users_association_table a
LEFT JOIN users u ON u.id = a.user_id
WHERE a.room_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.User
	for rows.Next() {
		var user types.User
		if err := rows.Scan(&user.ID, &user.Name); err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

func (p *Postgres) SetUserStatus(ctx context.Context, userID, status string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO users (id, status) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		userID, status)
	return err
}

func (p *Postgres) UserStatus(ctx context.Context, userID string) (string, error) {
	var status string
	err := p.pool.QueryRow(ctx,
		`SELECT status FROM users WHERE id = $1`, userID).Scan(&status)
	if isNoRows(err) {
		return types.StatusOffline, nil
	}
	return status, err
}

func (p *Postgres) hasRole(ctx context.Context, userID, role, scopeID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM roles WHERE user_id = $1 AND role = $2 AND scope_id = $3
)`, userID, role, scopeID).Scan(&exists)
	return exists, err
}

func (p *Postgres) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return p.hasRole(ctx, userID, "admin", "")
}

func (p *Postgres) IsSuperUser(ctx context.Context, userID string) (bool, error) {
	return p.hasRole(ctx, userID, "superuser", "")
}

func (p *Postgres) IsOwner(ctx context.Context, roomID, userID string) (bool, error) {
	return p.hasRole(ctx, userID, "owner", roomID)
}

func (p *Postgres) IsOwnerChannel(ctx context.Context, channelID, userID string) (bool, error) {
	return p.hasRole(ctx, userID, "owner_channel", channelID)
}

func (p *Postgres) IsModerator(ctx context.Context, roomID, userID string) (bool, error) {
	return p.hasRole(ctx, userID, "moderator", roomID)
}

// GrantRole assigns a role, used by backoffice tooling and migrations.
func (p *Postgres) GrantRole(ctx context.Context, userID, role, scopeID string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO roles (user_id, role, scope_id) VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING`,
		userID, role, scopeID)
	return err
}

func (p *Postgres) banUser(ctx context.Context, ban types.Ban) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO bans (banned_id, scope, scope_id, until_ts, duration, reason, banner_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (banned_id, scope, scope_id) DO UPDATE SET
    until_ts   = EXCLUDED.until_ts,
    duration   = EXCLUDED.duration,
    reason     = EXCLUDED.reason,
    banner_id  = EXCLUDED.banner_id,
    created_at = EXCLUDED.created_at`,
		ban.BannedID, string(ban.Scope), ban.ScopeID, ban.Until,
		ban.Duration, ban.Reason, ban.BannerID, ban.CreatedAt.UTC())
	return err
}

func (p *Postgres) BanUserGlobal(ctx context.Context, ban types.Ban) error {
	ban.Scope = types.ScopeGlobal
	ban.ScopeID = ""
	return p.banUser(ctx, ban)
}

func (p *Postgres) BanUserChannel(ctx context.Context, ban types.Ban) error {
	ban.Scope = types.ScopeChannel
	return p.banUser(ctx, ban)
}

func (p *Postgres) BanUserRoom(ctx context.Context, ban types.Ban) error {
	ban.Scope = types.ScopeRoom
	return p.banUser(ctx, ban)
}

func (p *Postgres) BansForUser(ctx context.Context, userID string) ([]types.Ban, error) {
	rows, err := p.pool.Query(ctx, `
SELECT banned_id, scope, scope_id, until_ts, duration, reason, banner_id, created_at
FROM bans
WHERE banned_id = $1 AND until_ts > extract(epoch FROM now())
ORDER BY CASE scope WHEN 'room' THEN 0 WHEN 'channel' THEN 1 ELSE 2 END`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Ban
	for rows.Next() {
		var ban types.Ban
		var scope string
		var createdAt time.Time
		if err := rows.Scan(&ban.BannedID, &scope, &ban.ScopeID, &ban.Until,
			&ban.Duration, &ban.Reason, &ban.BannerID, &createdAt); err != nil {
			return nil, err
		}
		ban.Scope = types.Scope(scope)
		ban.CreatedAt = createdAt
		out = append(out, ban)
	}
	return out, rows.Err()
}

func (p *Postgres) ACLsForRoomAction(ctx context.Context, roomID, action string) ([]types.ACLRule, error) {
	rows, err := p.pool.Query(ctx, `
SELECT scope_id, action, attribute, expression
FROM acls WHERE scope_id = $1 AND action = $2`, roomID, action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanACLs(rows)
}

func (p *Postgres) ACLsForRoom(ctx context.Context, roomID string) ([]types.ACLRule, error) {
	rows, err := p.pool.Query(ctx, `
SELECT scope_id, action, attribute, expression
FROM acls WHERE scope_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanACLs(rows)
}

func scanACLs(rows pgx.Rows) ([]types.ACLRule, error) {
	var out []types.ACLRule
	for rows.Next() {
		var rule types.ACLRule
		if err := rows.Scan(&rule.ScopeID, &rule.Action, &rule.Attribute, &rule.Expression); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (p *Postgres) SetRoomACL(ctx context.Context, rule types.ACLRule) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO acls (scope_id, action, attribute, expression)
VALUES ($1, $2, $3, $4)
ON CONFLICT (scope_id, action, attribute) DO UPDATE SET expression = EXCLUDED.expression`,
		rule.ScopeID, rule.Action, rule.Attribute, rule.Expression)
	return err
}

func (p *Postgres) DeleteRoomACL(ctx context.Context, roomID, action, attribute string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM acls WHERE scope_id = $1 AND action = $2 AND attribute = $3`,
		roomID, action, attribute)
	return err
}

func (p *Postgres) StoreMessage(ctx context.Context, messageID, userID, roomID, body string, sent time.Time) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO messages (id, user_id, room_id, body, sent)
VALUES ($1, $2, $3, $4, $5)`,
		messageID, userID, roomID, body, sent.UTC())
	return err
}

func (p *Postgres) MessagesForRoom(ctx context.Context, roomID string, limit int) ([]types.Message, error) {
	query := `
SELECT id, user_id, room_id, body, sent
FROM messages
WHERE room_id = $1 AND NOT deleted
ORDER BY sent DESC`
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = p.pool.Query(ctx, query+` LIMIT $2`, roomID, limit)
	} else {
		rows, err = p.pool.Query(ctx, query, roomID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.RoomID, &msg.Body, &msg.Sent); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (p *Postgres) UndeletedMessageIDsForUser(ctx context.Context, userID, roomID string) ([]string, error) {
	query := `SELECT id FROM messages WHERE user_id = $1 AND NOT deleted`
	args := []any{userID}
	if roomID != "" {
		query += ` AND room_id = $2`
		args = append(args, roomID)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteMessage(ctx context.Context, messageID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE messages SET deleted = TRUE WHERE id = $1`, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
