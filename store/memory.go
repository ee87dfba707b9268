package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type memUser struct {
	UserID       uint32 `msgpack:"user_id"`
	Username     string `msgpack:"username"`
	PasswordHash string `msgpack:"password_hash"`
}

type memInteraction struct {
	LogID     uint64 `msgpack:"log_id"`
	SessionID uint32 `msgpack:"session_id"`
	UserID    uint32 `msgpack:"user_id"`
	SocketID  uint32 `msgpack:"socket_id"`
	Ts        int64  `msgpack:"ts"`
	Logout    bool   `msgpack:"logout"`
	Command   string `msgpack:"command"`
}

type memPost struct {
	PostID   uint64 `msgpack:"post_id"`
	PosterID uint32 `msgpack:"poster_id"`
	PosteeID uint32 `msgpack:"postee_id"`
	Content  string `msgpack:"content"`
	Ts       int64  `msgpack:"ts"`
}

type memNotification struct {
	NotificationID uint64 `msgpack:"notification_id"`
	PostID         uint64 `msgpack:"post_id"`
	UserID         uint32 `msgpack:"user_id"`
	Read           bool   `msgpack:"read"`
}

// memState is also the snapshot format.
type memState struct {
	Users         []memUser         `msgpack:"users"`
	Sessions      map[uint32]uint32 `msgpack:"sessions"` // session id -> user id
	Interactions  []memInteraction  `msgpack:"interactions"`
	Posts         []memPost         `msgpack:"posts"`
	Notifications []memNotification `msgpack:"notifications"`
	NextLogID     uint64            `msgpack:"next_log_id"`
	NextPostID    uint64            `msgpack:"next_post_id"`
	NextNotifID   uint64            `msgpack:"next_notification_id"`
}

// Memory is a Store held in process memory, optionally persisted as a msgpack
// snapshot.
type Memory struct {
	options *Options

	mutex sync.Mutex
	state memState
}

func NewMemory(options *Options) (*Memory, error) {
	err := validateOptions(options)
	if err != nil {
		log.Printf("%s", err.Error())
		return nil, err
	}

	return &Memory{
		options: options,
		mutex:   sync.Mutex{},
		state: memState{
			Sessions: make(map[uint32]uint32),
		},
	}, nil
}

// LoadMemory restores a snapshot written by Save. A missing file yields an
// empty store.
func LoadMemory(options *Options, path string) (*Memory, error) {
	s, err := NewMemory(options)
	if err != nil {
		return nil, err
	}

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("%s: no snapshot at %s, starting empty", options.LogPrefix, path)
		return s, nil
	}
	if err != nil {
		err = fmt.Errorf("%s: failed to read snapshot %s: %w", options.LogPrefix, path, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	err = msgpack.Unmarshal(buf, &s.state)
	if err != nil {
		err = fmt.Errorf("%s: failed to decode snapshot %s: %w", options.LogPrefix, path, err)
		log.Printf("%s", err.Error())
		return nil, err
	}
	if s.state.Sessions == nil {
		s.state.Sessions = make(map[uint32]uint32)
	}

	log.Printf(
		"%s: snapshot %s loaded, users=%d, posts=%d, notifications=%d",
		options.LogPrefix,
		path,
		len(s.state.Users),
		len(s.state.Posts),
		len(s.state.Notifications),
	)
	return s, nil
}

// Save writes a snapshot atomically via a temporary file.
func (s *Memory) Save(path string) error {
	buf, err := func() ([]byte, error) {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		return msgpack.Marshal(&s.state)
	}()
	if err != nil {
		return fmt.Errorf("%s: failed to encode snapshot: %w", s.options.LogPrefix, err)
	}

	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("%s: failed to create snapshot directory: %w", s.options.LogPrefix, err)
	}

	tmp := path + ".tmp"
	err = os.WriteFile(tmp, buf, 0644)
	if err != nil {
		return fmt.Errorf("%s: failed to write snapshot %s: %w", s.options.LogPrefix, tmp, err)
	}
	err = os.Rename(tmp, path)
	if err != nil {
		return fmt.Errorf("%s: failed to replace snapshot %s: %w", s.options.LogPrefix, path, err)
	}

	log.Printf("%s: snapshot saved to %s, %d bytes", s.options.LogPrefix, path, len(buf))
	return nil
}

func (s *Memory) Close() error {
	return nil
}

// caller must hold mutex
func (s *Memory) findUser(username string) *memUser {
	for i := range s.state.Users {
		if s.state.Users[i].Username == username {
			return &s.state.Users[i]
		}
	}
	return nil
}

// caller must hold mutex
func (s *Memory) usernameOf(userID uint32) string {
	for i := range s.state.Users {
		if s.state.Users[i].UserID == userID {
			return s.state.Users[i].Username
		}
	}
	return ""
}

func (s *Memory) AddUser(username, passwordHash string) (uint32, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.findUser(username) != nil {
		return 0, fmt.Errorf("%s: add user %s: username taken", s.options.LogPrefix, username)
	}

	var userID uint32 = 1
	if n := len(s.state.Users); n > 0 {
		userID = s.state.Users[n-1].UserID + 1
	}
	s.state.Users = append(s.state.Users, memUser{
		UserID:       userID,
		Username:     username,
		PasswordHash: passwordHash,
	})
	return userID, nil
}

func (s *Memory) Authenticate(username, passwordHash string) (uint32, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	u := s.findUser(username)
	if u == nil || u.PasswordHash != passwordHash {
		return 0, ErrNotFound
	}
	return u.UserID, nil
}

func (s *Memory) CreateSession(userID uint32) (uint32, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for {
		sid := newSessionID()
		if _, taken := s.state.Sessions[sid]; taken {
			continue
		}
		s.state.Sessions[sid] = userID
		return sid, nil
	}
}

// caller must hold mutex
func (s *Memory) latest(match func(*memInteraction) bool) *memInteraction {
	var best *memInteraction
	for i := range s.state.Interactions {
		row := &s.state.Interactions[i]
		if !match(row) {
			continue
		}
		if best == nil || row.Ts > best.Ts || (row.Ts == best.Ts && row.LogID > best.LogID) {
			best = row
		}
	}
	return best
}

// caller must hold mutex
func (s *Memory) validSession(sessionID uint32) (*SessionInfo, error) {
	row := s.latest(func(r *memInteraction) bool {
		return r.SessionID == sessionID
	})
	if row == nil || !activeAt(row.Logout, time.Unix(0, row.Ts), s.options.now(), s.options.SessionTimeout) {
		return nil, ErrInvalidSession
	}
	return &SessionInfo{
		SessionID: sessionID,
		UserID:    row.UserID,
		SocketID:  row.SocketID,
	}, nil
}

func (s *Memory) IsSessionValid(sessionID uint32) (*SessionInfo, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.validSession(sessionID)
}

func (s *Memory) ListUsers() ([]User, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	users := make([]User, 0, len(s.state.Users))
	for i, u := range s.state.Users {
		users = append(users, User{
			Index:    i + 1,
			UserID:   u.UserID,
			Username: u.Username,
		})
	}
	return users, nil
}

func (s *Memory) AppendPost(posterSessionID uint32, postee, body string) (uint64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	poster, err := s.validSession(posterSessionID)
	if err != nil {
		return 0, err
	}

	target := s.findUser(postee)
	if target == nil {
		return 0, ErrNotFound
	}

	s.state.NextPostID++
	postID := s.state.NextPostID
	s.state.Posts = append(s.state.Posts, memPost{
		PostID:   postID,
		PosterID: poster.UserID,
		PosteeID: target.UserID,
		Content:  body,
		Ts:       s.options.now().UnixNano(),
	})

	for _, u := range s.state.Users {
		s.state.NextNotifID++
		s.state.Notifications = append(s.state.Notifications, memNotification{
			NotificationID: s.state.NextNotifID,
			PostID:         postID,
			UserID:         u.UserID,
			Read:           false,
		})
	}

	return postID, nil
}

func (s *Memory) FetchWall(owner string) ([]WallEntry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	target := s.findUser(owner)
	if target == nil {
		return nil, ErrNotFound
	}

	var entries []WallEntry
	for _, p := range s.state.Posts {
		if p.PosteeID != target.UserID {
			continue
		}
		entries = append(entries, WallEntry{
			PostID:    p.PostID,
			Timestamp: time.Unix(0, p.Ts),
			Poster:    s.usernameOf(p.PosterID),
			Postee:    target.Username,
			Content:   p.Content,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].PostID < entries[j].PostID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

func (s *Memory) Logout(sessionID uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	info, err := s.validSession(sessionID)
	if err != nil {
		return err
	}

	s.insertInteraction(sessionID, true, CommandLogout(s.usernameOf(info.UserID)), info.UserID, info.SocketID)
	return nil
}

func (s *Memory) PendingNotifications(window time.Duration) ([]Notification, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.options.now()
	posts := make(map[uint64]*memPost, len(s.state.Posts))
	for i := range s.state.Posts {
		posts[s.state.Posts[i].PostID] = &s.state.Posts[i]
	}
	online := make(map[uint32]*memInteraction)

	var notifications []Notification
	for _, n := range s.state.Notifications {
		if n.Read {
			continue
		}

		row, seen := online[n.UserID]
		if !seen {
			userID := n.UserID
			row = s.latest(func(r *memInteraction) bool {
				return r.UserID == userID
			})
			if row != nil && !activeAt(row.Logout, time.Unix(0, row.Ts), now, window) {
				row = nil
			}
			online[n.UserID] = row
		}
		if row == nil {
			continue
		}

		p, found := posts[n.PostID]
		if !found {
			continue
		}

		notifications = append(notifications, Notification{
			NotificationID: n.NotificationID,
			SocketID:       row.SocketID,
			SessionID:      row.SessionID,
			WallEntry: WallEntry{
				PostID:    p.PostID,
				Timestamp: time.Unix(0, p.Ts),
				Poster:    s.usernameOf(p.PosterID),
				Postee:    s.usernameOf(p.PosteeID),
				Content:   p.Content,
			},
		})
	}
	return notifications, nil
}

func (s *Memory) MarkNotificationRead(notificationID uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range s.state.Notifications {
		if s.state.Notifications[i].NotificationID == notificationID {
			s.state.Notifications[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) AppendInteractionLog(sessionID uint32, logout bool, command string, userID, socketID *uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if userID == nil || socketID == nil {
		info, err := s.validSession(sessionID)
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

	s.insertInteraction(sessionID, logout, command, *userID, *socketID)
	return nil
}

// caller must hold mutex
func (s *Memory) insertInteraction(sessionID uint32, logout bool, command string, userID, socketID uint32) {
	s.state.NextLogID++
	s.state.Interactions = append(s.state.Interactions, memInteraction{
		LogID:     s.state.NextLogID,
		SessionID: sessionID,
		UserID:    userID,
		SocketID:  socketID,
		Ts:        s.options.now().UnixNano(),
		Logout:    logout,
		Command:   command,
	})
}
