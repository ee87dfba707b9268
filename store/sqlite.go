package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (user_id) REFERENCES users(user_id)
);

CREATE TABLE IF NOT EXISTS interaction_log (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	socket_id INTEGER NOT NULL,
	ts INTEGER NOT NULL,
	logout INTEGER NOT NULL DEFAULT 0,
	command TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
	post_id INTEGER PRIMARY KEY AUTOINCREMENT,
	poster_id INTEGER NOT NULL,
	postee_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	ts INTEGER NOT NULL,
	FOREIGN KEY (poster_id) REFERENCES users(user_id),
	FOREIGN KEY (postee_id) REFERENCES users(user_id)
);

CREATE TABLE IF NOT EXISTS notifications (
	notification_id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	read_flag INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (post_id) REFERENCES posts(post_id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES users(user_id)
);

CREATE INDEX IF NOT EXISTS idx_interaction_log_session ON interaction_log(session_id, ts);
CREATE INDEX IF NOT EXISTS idx_interaction_log_user ON interaction_log(user_id, ts);
CREATE INDEX IF NOT EXISTS idx_posts_postee ON posts(postee_id, ts);
CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(read_flag, user_id);
`

const sqlitePendingNotifications = `
WITH latest AS (
	SELECT l.user_id, l.session_id, l.socket_id, l.logout, l.ts
	FROM interaction_log l
	WHERE l.log_id = (
		SELECT l2.log_id FROM interaction_log l2
		WHERE l2.user_id = l.user_id
		ORDER BY l2.ts DESC, l2.log_id DESC
		LIMIT 1
	)
)
SELECT n.notification_id, latest.socket_id, latest.session_id,
	p.post_id, p.ts, poster.username, postee.username, p.content
FROM latest
JOIN notifications n ON n.user_id = latest.user_id
JOIN posts p ON p.post_id = n.post_id
JOIN users poster ON poster.user_id = p.poster_id
JOIN users postee ON postee.user_id = p.postee_id
WHERE latest.logout = 0 AND latest.ts > ? AND n.read_flag = 0
ORDER BY n.notification_id
`

// SQLite is the Store backed by a single SQLite database file.
type SQLite struct {
	options *Options
	db      *sql.DB
	dbPath  string
}

func NewSQLite(options *Options, dbPath string) (*SQLite, error) {
	err := validateOptions(options)
	if err != nil {
		log.Printf("%s", err.Error())
		return nil, err
	}

	if dbPath != ":memory:" {
		err = os.MkdirAll(filepath.Dir(dbPath), 0755)
		if err != nil {
			err = fmt.Errorf("%s: failed to create database directory: %w", options.LogPrefix, err)
			log.Printf("%s", err.Error())
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		err = fmt.Errorf("%s: failed to open database: %w", options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	// one writer; also keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	s := &SQLite{
		options: options,
		db:      db,
		dbPath:  dbPath,
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		err = fmt.Errorf("%s: failed to enable foreign keys: %w", options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	_, err = db.Exec(sqliteSchema)
	if err != nil {
		db.Close()
		err = fmt.Errorf("%s: failed to initialize schema: %w", options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	log.Printf("%s: sqlite store opened at %s", options.LogPrefix, dbPath)
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) AddUser(username, passwordHash string) (uint32, error) {
	res, err := s.db.Exec(
		"INSERT INTO users (username, password_hash) VALUES (?, ?)",
		username,
		passwordHash,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: add user %s: %w", s.options.LogPrefix, username, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: add user %s: %w", s.options.LogPrefix, username, err)
	}
	return uint32(id), nil
}

func (s *SQLite) Authenticate(username, passwordHash string) (uint32, error) {
	var userID uint32
	err := s.db.QueryRow(
		"SELECT user_id FROM users WHERE username = ? AND password_hash = ?",
		username,
		passwordHash,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%s: authenticate %s: %w", s.options.LogPrefix, username, err)
	}
	return userID, nil
}

func (s *SQLite) CreateSession(userID uint32) (uint32, error) {
	for {
		sid := newSessionID()
		_, err := s.db.Exec(
			"INSERT INTO sessions (session_id, user_id, created_at) VALUES (?, ?, ?)",
			sid,
			userID,
			s.options.now().UnixNano(),
		)
		if err == nil {
			return sid, nil
		}

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint &&
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			// collision, draw again
			continue
		}
		return 0, fmt.Errorf("%s: create session for user_id=%d: %w", s.options.LogPrefix, userID, err)
	}
}

// latest interaction row of a session
func (s *SQLite) latestSessionRow(sessionID uint32) (*SessionInfo, bool, time.Time, error) {
	var (
		info   SessionInfo
		logout bool
		ts     int64
	)
	err := s.db.QueryRow(
		`SELECT user_id, socket_id, logout, ts FROM interaction_log
		WHERE session_id = ?
		ORDER BY ts DESC, log_id DESC
		LIMIT 1`,
		sessionID,
	).Scan(&info.UserID, &info.SocketID, &logout, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, time.Time{}, ErrInvalidSession
	}
	if err != nil {
		return nil, false, time.Time{}, fmt.Errorf("%s: session sid=%d: %w", s.options.LogPrefix, sessionID, err)
	}
	info.SessionID = sessionID
	return &info, logout, time.Unix(0, ts), nil
}

func (s *SQLite) IsSessionValid(sessionID uint32) (*SessionInfo, error) {
	info, logout, ts, err := s.latestSessionRow(sessionID)
	if err != nil {
		return nil, err
	}
	if !activeAt(logout, ts, s.options.now(), s.options.SessionTimeout) {
		return nil, ErrInvalidSession
	}
	return info, nil
}

func (s *SQLite) ListUsers() ([]User, error) {
	rows, err := s.db.Query("SELECT user_id, username FROM users ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("%s: list users: %w", s.options.LogPrefix, err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u := User{Index: len(users) + 1}
		err = rows.Scan(&u.UserID, &u.Username)
		if err != nil {
			return nil, fmt.Errorf("%s: list users: %w", s.options.LogPrefix, err)
		}
		users = append(users, u)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("%s: list users: %w", s.options.LogPrefix, err)
	}
	return users, nil
}

func (s *SQLite) userID(username string) (uint32, error) {
	var userID uint32
	err := s.db.QueryRow("SELECT user_id FROM users WHERE username = ?", username).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%s: lookup user %s: %w", s.options.LogPrefix, username, err)
	}
	return userID, nil
}

func (s *SQLite) AppendPost(posterSessionID uint32, postee, body string) (uint64, error) {
	poster, err := s.IsSessionValid(posterSessionID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%s: append post: %w", s.options.LogPrefix, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO posts (poster_id, postee_id, content, ts)
		SELECT ?, postee.user_id, ?, ? FROM users postee WHERE postee.username = ?`,
		poster.UserID,
		body,
		s.options.now().UnixNano(),
		postee,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: append post: %w", s.options.LogPrefix, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: append post: %w", s.options.LogPrefix, err)
	}
	if affected != 1 {
		return 0, ErrNotFound
	}

	postID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: append post: %w", s.options.LogPrefix, err)
	}

	// every registered user is notified, poster included
	_, err = tx.Exec(
		"INSERT INTO notifications (post_id, user_id) SELECT ?, user_id FROM users",
		postID,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: queue notifications for post_id=%d: %w", s.options.LogPrefix, postID, err)
	}

	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("%s: append post: %w", s.options.LogPrefix, err)
	}
	return uint64(postID), nil
}

func (s *SQLite) FetchWall(owner string) ([]WallEntry, error) {
	_, err := s.userID(owner)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT p.post_id, p.ts, poster.username, postee.username, p.content
		FROM posts p
		JOIN users postee ON postee.user_id = p.postee_id
		JOIN users poster ON poster.user_id = p.poster_id
		WHERE postee.username = ?
		ORDER BY p.ts ASC, p.post_id ASC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: fetch wall %s: %w", s.options.LogPrefix, owner, err)
	}
	defer rows.Close()

	var entries []WallEntry
	for rows.Next() {
		var (
			e  WallEntry
			ts int64
		)
		err = rows.Scan(&e.PostID, &ts, &e.Poster, &e.Postee, &e.Content)
		if err != nil {
			return nil, fmt.Errorf("%s: fetch wall %s: %w", s.options.LogPrefix, owner, err)
		}
		e.Timestamp = time.Unix(0, ts)
		entries = append(entries, e)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("%s: fetch wall %s: %w", s.options.LogPrefix, owner, err)
	}
	return entries, nil
}

func (s *SQLite) Logout(sessionID uint32) error {
	info, err := s.IsSessionValid(sessionID)
	if err != nil {
		return err
	}

	var username string
	err = s.db.QueryRow("SELECT username FROM users WHERE user_id = ?", info.UserID).Scan(&username)
	if err != nil {
		return fmt.Errorf("%s: logout sid=%d: %w", s.options.LogPrefix, sessionID, err)
	}

	return s.insertInteraction(sessionID, true, CommandLogout(username), info.UserID, info.SocketID)
}

func (s *SQLite) PendingNotifications(window time.Duration) ([]Notification, error) {
	rows, err := s.db.Query(sqlitePendingNotifications, s.options.now().Add(-window).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%s: pending notifications: %w", s.options.LogPrefix, err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var (
			n  Notification
			ts int64
		)
		err = rows.Scan(&n.NotificationID, &n.SocketID, &n.SessionID, &n.PostID, &ts, &n.Poster, &n.Postee, &n.Content)
		if err != nil {
			return nil, fmt.Errorf("%s: pending notifications: %w", s.options.LogPrefix, err)
		}
		n.Timestamp = time.Unix(0, ts)
		notifications = append(notifications, n)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("%s: pending notifications: %w", s.options.LogPrefix, err)
	}
	return notifications, nil
}

func (s *SQLite) MarkNotificationRead(notificationID uint64) error {
	res, err := s.db.Exec("UPDATE notifications SET read_flag = 1 WHERE notification_id = ?", notificationID)
	if err != nil {
		return fmt.Errorf("%s: mark notification_id=%d read: %w", s.options.LogPrefix, notificationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: mark notification_id=%d read: %w", s.options.LogPrefix, notificationID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) AppendInteractionLog(sessionID uint32, logout bool, command string, userID, socketID *uint32) error {
	if userID == nil || socketID == nil {
		info, err := s.IsSessionValid(sessionID)
		if err != nil {
			return err
		}
		if userID == nil {
			userID = &info.UserID
		}
		if socketID == nil {
			socketID = &info.SocketID
		}
	}

	return s.insertInteraction(sessionID, logout, command, *userID, *socketID)
}

func (s *SQLite) insertInteraction(sessionID uint32, logout bool, command string, userID, socketID uint32) error {
	_, err := s.db.Exec(
		"INSERT INTO interaction_log (session_id, user_id, socket_id, ts, logout, command) VALUES (?, ?, ?, ?, ?, ?)",
		sessionID,
		userID,
		socketID,
		s.options.now().UnixNano(),
		logout,
		command,
	)
	if err != nil {
		return fmt.Errorf("%s: interaction log sid=%d %q: %w", s.options.LogPrefix, sessionID, command, err)
	}
	return nil
}
