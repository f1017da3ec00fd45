package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var errNoMembership = errors.New("no membership row")

type user struct {
	ID           uuid.UUID
	Email        string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

type session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CreatedAt time.Time
}

type chatServer struct {
	ID        uuid.UUID
	Name      string
	OwnerID   uuid.UUID
	CreatedAt time.Time
}

type channel struct {
	ID        uuid.UUID
	ServerID  uuid.UUID
	Name      string
	CreatedAt time.Time
}

type invite struct {
	ID        uuid.UUID
	ServerID  uuid.UUID
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// valid reports whether the invite can still be redeemed. A nil expiry
// never expires.
func (i invite) valid() bool {
	return i.ExpiresAt == nil || i.ExpiresAt.After(time.Now())
}

type permissions struct {
	ManageChannels bool
	ManageUsers    bool
	ManageInvites  bool
	Banned         bool
}

// permissionPatch carries a merge-patch: nil fields keep the stored value.
// The banned flag is deliberately absent; it is only flipped through
// ban/unban.
type permissionPatch struct {
	ManageChannels *bool
	ManageUsers    *bool
	ManageInvites  *bool
}

func openDatabase(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
    CREATE TABLE IF NOT EXISTS users (
        user_id       TEXT PRIMARY KEY,
        email         TEXT NOT NULL UNIQUE,
        username      TEXT NOT NULL,
        password_hash BLOB NOT NULL,
        created_at    TIMESTAMP NOT NULL
    );

    CREATE TABLE IF NOT EXISTS sessions (
        session_id TEXT PRIMARY KEY,
        user_id    TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL,
        FOREIGN KEY(user_id) REFERENCES users(user_id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS servers (
        server_id  TEXT PRIMARY KEY,
        name       TEXT NOT NULL,
        owner_id   TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL,
        FOREIGN KEY(owner_id) REFERENCES users(user_id)
    );

    CREATE TABLE IF NOT EXISTS channels (
        channel_id TEXT PRIMARY KEY,
        server_id  TEXT NOT NULL,
        name       TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL,
        FOREIGN KEY(server_id) REFERENCES servers(server_id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS invites (
        invite_id  TEXT PRIMARY KEY,
        server_id  TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL,
        expires_at TIMESTAMP,
        FOREIGN KEY(server_id) REFERENCES servers(server_id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS memberships (
        server_id       TEXT NOT NULL,
        user_id         TEXT NOT NULL,
        manage_channels BOOLEAN NOT NULL DEFAULT FALSE,
        manage_users    BOOLEAN NOT NULL DEFAULT FALSE,
        manage_invites  BOOLEAN NOT NULL DEFAULT FALSE,
        banned          BOOLEAN NOT NULL DEFAULT FALSE,
        PRIMARY KEY(server_id, user_id),
        FOREIGN KEY(server_id) REFERENCES servers(server_id) ON DELETE CASCADE,
        FOREIGN KEY(user_id) REFERENCES users(user_id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS messages (
        message_id TEXT PRIMARY KEY,
        channel_id TEXT NOT NULL,
        user_id    TEXT NOT NULL,
        content    TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL,
        FOREIGN KEY(channel_id) REFERENCES channels(channel_id) ON DELETE CASCADE,
        FOREIGN KEY(user_id) REFERENCES users(user_id) ON DELETE CASCADE
    );`

	_, err := db.ExecContext(ctx, schema)
	return err
}

func (s *serverState) createUser(ctx context.Context, u user) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, email, username, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Username, u.PasswordHash, u.CreatedAt)
	return err
}

func (s *serverState) getUserByEmail(ctx context.Context, email string) (user, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, username, password_hash, created_at FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func (s *serverState) getUserByID(ctx context.Context, id uuid.UUID) (user, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, username, password_hash, created_at FROM users WHERE user_id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (user, bool, error) {
	var u user
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user{}, false, nil
		}
		return user{}, false, err
	}
	return u, true, nil
}

func (s *serverState) createSession(ctx context.Context, userID uuid.UUID) (session, error) {
	sess := session{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, created_at) VALUES (?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt)
	if err != nil {
		return session{}, err
	}
	return sess, nil
}

func (s *serverState) getSession(ctx context.Context, id uuid.UUID) (session, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, created_at FROM sessions WHERE session_id = ?`, id)

	var sess session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session{}, false, nil
		}
		return session{}, false, err
	}
	return sess, true, nil
}

func (s *serverState) deleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	return err
}

// createServer persists the server and bootstraps the owner's membership
// with every manage flag set, in one transaction. Without that row the
// owner could never pass a permission check on their own server.
func (s *serverState) createServer(ctx context.Context, name string, owner uuid.UUID) (chatServer, error) {
	srv := chatServer{
		ID:        uuid.New(),
		Name:      name,
		OwnerID:   owner,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chatServer{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO servers (server_id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.OwnerID, srv.CreatedAt); err != nil {
		return chatServer{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memberships (server_id, user_id, manage_channels, manage_users, manage_invites, banned)
         VALUES (?, ?, TRUE, TRUE, TRUE, FALSE)`,
		srv.ID, srv.OwnerID); err != nil {
		return chatServer{}, err
	}

	if err := tx.Commit(); err != nil {
		return chatServer{}, err
	}
	return srv, nil
}

func (s *serverState) getServer(ctx context.Context, id uuid.UUID) (chatServer, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_id, name, owner_id, created_at FROM servers WHERE server_id = ?`, id)

	var srv chatServer
	if err := row.Scan(&srv.ID, &srv.Name, &srv.OwnerID, &srv.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chatServer{}, false, nil
		}
		return chatServer{}, false, err
	}
	return srv, true, nil
}

func (s *serverState) createChannel(ctx context.Context, serverID uuid.UUID, name string) (channel, error) {
	ch := channel{
		ID:        uuid.New(),
		ServerID:  serverID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (channel_id, server_id, name, created_at) VALUES (?, ?, ?, ?)`,
		ch.ID, ch.ServerID, ch.Name, ch.CreatedAt)
	if err != nil {
		return channel{}, err
	}
	return ch, nil
}

func (s *serverState) getChannel(ctx context.Context, id uuid.UUID) (channel, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT channel_id, server_id, name, created_at FROM channels WHERE channel_id = ?`, id)

	var ch channel
	if err := row.Scan(&ch.ID, &ch.ServerID, &ch.Name, &ch.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return channel{}, false, nil
		}
		return channel{}, false, err
	}
	return ch, true, nil
}

func (s *serverState) deleteChannel(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, id)
	return err
}

// allChannelIDs feeds the topic registry's startup reconciliation.
func (s *serverState) allChannelIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM channels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *serverState) createInvite(ctx context.Context, serverID uuid.UUID, expires *time.Time) (invite, error) {
	inv := invite{
		ID:        uuid.New(),
		ServerID:  serverID,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expires,
	}

	var expiresAt sql.NullTime
	if inv.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *inv.ExpiresAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invites (invite_id, server_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		inv.ID, inv.ServerID, inv.CreatedAt, expiresAt)
	if err != nil {
		return invite{}, err
	}
	return inv, nil
}

func (s *serverState) getInvite(ctx context.Context, id uuid.UUID) (invite, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT invite_id, server_id, created_at, expires_at FROM invites WHERE invite_id = ?`, id)

	var inv invite
	var expiresAt sql.NullTime
	if err := row.Scan(&inv.ID, &inv.ServerID, &inv.CreatedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invite{}, false, nil
		}
		return invite{}, false, err
	}
	if expiresAt.Valid {
		inv.ExpiresAt = &expiresAt.Time
	}
	return inv, true, nil
}

// getPermissions returns the membership row for (server, user). A missing
// row means the user is not a member, which is a distinct state from
// holding a row with every flag false.
func (s *serverState) getPermissions(ctx context.Context, serverID, userID uuid.UUID) (permissions, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT manage_channels, manage_users, manage_invites, banned
         FROM memberships WHERE server_id = ? AND user_id = ?`, serverID, userID)

	var p permissions
	if err := row.Scan(&p.ManageChannels, &p.ManageUsers, &p.ManageInvites, &p.Banned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return permissions{}, false, nil
		}
		return permissions{}, false, err
	}
	return p, true, nil
}

// addMembership inserts a plain membership (no manage flags). Joining a
// server you already belong to is a no-op.
func (s *serverState) addMembership(ctx context.Context, serverID, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (server_id, user_id) VALUES (?, ?)
         ON CONFLICT(server_id, user_id) DO NOTHING`, serverID, userID)
	return err
}

func (s *serverState) deleteMembership(ctx context.Context, serverID, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE server_id = ? AND user_id = ?`, serverID, userID)
	return err
}

func (s *serverState) setBanned(ctx context.Context, serverID, userID uuid.UUID, banned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET banned = ? WHERE server_id = ? AND user_id = ?`,
		banned, serverID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoMembership
	}
	return nil
}

// mergePermissions applies a merge-patch over the stored flags: unset
// fields keep their current value. It never creates a row; patching a
// non-member fails with errNoMembership.
func (s *serverState) mergePermissions(ctx context.Context, serverID, userID uuid.UUID, patch permissionPatch) error {
	current, ok, err := s.getPermissions(ctx, serverID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errNoMembership
	}

	merged := current
	if patch.ManageChannels != nil {
		merged.ManageChannels = *patch.ManageChannels
	}
	if patch.ManageUsers != nil {
		merged.ManageUsers = *patch.ManageUsers
	}
	if patch.ManageInvites != nil {
		merged.ManageInvites = *patch.ManageInvites
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE memberships SET manage_channels = ?, manage_users = ?, manage_invites = ?
         WHERE server_id = ? AND user_id = ?`,
		merged.ManageChannels, merged.ManageUsers, merged.ManageInvites, serverID, userID)
	return err
}

func (s *serverState) saveMessage(ctx context.Context, channelID, userID uuid.UUID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, channel_id, user_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New(), channelID, userID, content, time.Now().UTC())
	return err
}
