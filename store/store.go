package store

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// business result, reported to the peer as response text
	ErrNotFound = errors.New("not found")
	// session expired, logged out or never created
	ErrInvalidSession = errors.New("invalid session")
)

const WallTimeLayout = "2006-01-02 15:04:05"

type User struct {
	Index    int // 1-based position in ListUsers
	UserID   uint32
	Username string
}

type SessionInfo struct {
	SessionID uint32
	UserID    uint32
	SocketID  uint32
}

type WallEntry struct {
	PostID    uint64
	Timestamp time.Time
	Poster    string
	Postee    string
	Content   string
}

type Notification struct {
	NotificationID uint64
	SocketID       uint32 // connection of the recipient's latest activity
	SessionID      uint32 // recipient's latest session
	WallEntry
}

// Store is the persistent state consumed by the server. Every error other
// than ErrNotFound and ErrInvalidSession is a store failure.
type Store interface {
	AddUser(username, passwordHash string) (uint32, error)
	Authenticate(username, passwordHash string) (uint32, error)
	CreateSession(userID uint32) (uint32, error)
	IsSessionValid(sessionID uint32) (*SessionInfo, error)
	ListUsers() ([]User, error)
	AppendPost(posterSessionID uint32, postee, body string) (uint64, error)
	FetchWall(owner string) ([]WallEntry, error)
	Logout(sessionID uint32) error
	PendingNotifications(window time.Duration) ([]Notification, error)
	MarkNotificationRead(notificationID uint64) error

	// AppendInteractionLog records one served command and refreshes session
	// activity. A nil userID or socketID is taken from the session's latest
	// row, which requires the session to be valid.
	AppendInteractionLog(sessionID uint32, logout bool, command string, userID, socketID *uint32) error

	Close() error
}

type Options struct {
	SessionTimeout time.Duration
	Now            func() time.Time // defaults to time.Now

	LogPrefix string
}

func (o *Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func validateOptions(o *Options) error {
	if o == nil {
		return fmt.Errorf("nil store options")
	}
	if o.SessionTimeout <= 0 {
		return fmt.Errorf("%s: invalid SessionTimeout=%s", o.LogPrefix, o.SessionTimeout)
	}
	return nil
}

// FormatWallEntry renders one post as shown on a wall and in notifications.
func FormatWallEntry(e *WallEntry) string {
	return e.Poster + " to " + e.Postee + "[" + e.Timestamp.Format(WallTimeLayout) + "]: " + e.Content + "\n"
}

// FormatWall renders entries oldest first separated by a blank line.
func FormatWall(entries []WallEntry) string {
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	for i := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatWallEntry(&entries[i]))
	}
	return b.String()
}

// FormatWallWithin renders the newest entries whose wall text fits in limit
// bytes and reports how many older entries were left out. A newest entry
// longer than limit on its own is cut short.
func FormatWallWithin(entries []WallEntry, limit int) (string, int) {
	start := len(entries)
	size := 0
	for start > 0 {
		n := len(FormatWallEntry(&entries[start-1]))
		if start < len(entries) {
			n += len("\n\n")
		}
		if size+n > limit {
			break
		}
		size += n
		start--
	}

	if start == len(entries) && start > 0 {
		newest := &entries[start-1]
		return TruncateText(FormatWallEntry(newest), limit), start - 1
	}
	return FormatWall(entries[start:]), start
}

// TruncateText cuts s to at most n bytes without splitting a UTF-8 sequence.
func TruncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// FormatUserList renders "1 - alice\n2 - bob".
func FormatUserList(users []User) string {
	var b strings.Builder
	for i, u := range users {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strconv.Itoa(u.Index))
		b.WriteString(" - ")
		b.WriteString(u.Username)
	}
	return b.String()
}

func CommandLogin(username string) string {
	return "LOGIN " + username
}

func CommandLogout(username string) string {
	return "LOGOUT " + username
}

func CommandList() string {
	return "LIST"
}

func CommandShow(owner string) string {
	return "SHOW " + owner
}

func CommandPost(postee string, postID uint64) string {
	return "POST " + postee + " " + strconv.FormatUint(postID, 10)
}

// candidate session id, never zero
func newSessionID() uint32 {
	for {
		sid := rand.Uint32()
		if sid != 0 {
			return sid
		}
	}
}

// session validity of its latest interaction row
func activeAt(logout bool, ts time.Time, now time.Time, window time.Duration) bool {
	return !logout && ts.After(now.Add(-window))
}
