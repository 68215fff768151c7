// Package auth manages accounts and login sessions stored as JSON files.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"raftchat/internal/store"
)

const (
	DefaultSessionTTL = 7 * 24 * time.Hour

	minUsernameLen = 3
	minPasswordLen = 6
)

var (
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrUserExists     = errors.New("auth: username already exists")
	ErrEmailTaken     = errors.New("auth: email already registered")
	ErrUserNotFound   = errors.New("auth: user not found")
	ErrUserDisabled   = errors.New("auth: account disabled")
	ErrBadPassword    = errors.New("auth: wrong password")
	ErrSessionInvalid = errors.New("auth: session invalid or expired")
)

// User is the stored account record.
type User struct {
	UserID       string     `json:"user_id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login"`
	IsActive     bool       `json:"is_active"`
}

// Profile is a User without credentials.
type Profile struct {
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	LastLogin   *time.Time `json:"last_login"`
}

func (u User) Profile() Profile {
	return Profile{
		UserID:      u.UserID,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		LastLogin:   u.LastLogin,
	}
}

type Session struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type Stats struct {
	TotalUsers      int `json:"total_users"`
	ActiveSessions  int `json:"active_sessions"`
	RegisteredToday int `json:"registered_today"`
}

type (
	userTable    = map[string]User
	sessionTable = map[string]Session
)

// expiry orders sessions by deadline so purges only visit expired tokens.
type expiry struct {
	at    time.Time
	token string
}

func expiryLess(a, b expiry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.token < b.token
}

// Options configures a Service.
type Options struct {
	SessionTTL time.Duration
	Logger     *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
	// Cost is the bcrypt cost; bcrypt.DefaultCost when zero.
	Cost int
}

type Service struct {
	users    *store.Document[userTable]
	sessions *store.Document[sessionTable]
	ttl      time.Duration
	now      func() time.Time
	cost     int
	log      *zap.Logger

	mu      sync.Mutex
	expires *btree.BTreeG[expiry]
}

// New opens users.json and sessions.json under dir.
func New(dir string, opts Options) (*Service, error) {
	users, err := store.Open[userTable](filepath.Join(dir, "users.json"))
	if err != nil {
		return nil, err
	}
	sessions, err := store.Open[sessionTable](filepath.Join(dir, "sessions.json"))
	if err != nil {
		return nil, err
	}
	s := &Service{
		users:    users,
		sessions: sessions,
		ttl:      opts.SessionTTL,
		now:      opts.Now,
		cost:     opts.Cost,
		log:      opts.Logger,
		expires:  btree.NewG[expiry](16, expiryLess),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultSessionTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	table, err := sessions.Load()
	if err != nil {
		return nil, err
	}
	for token, sess := range table {
		s.expires.ReplaceOrInsert(expiry{at: sess.ExpiresAt, token: token})
	}
	return s, nil
}

func (s *Service) Register(req RegisterRequest) (User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	switch {
	case req.Username == "" || req.Password == "":
		return User{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	case len([]rune(req.Username)) < minUsernameLen:
		return User{}, fmt.Errorf("%w: username needs at least %d characters", ErrInvalidInput, minUsernameLen)
	case len([]rune(req.Password)) < minPasswordLen:
		return User{}, fmt.Errorf("%w: password needs at least %d characters", ErrInvalidInput, minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := newUserID(s.now())
	if err != nil {
		return User{}, err
	}

	user := User{
		UserID:       id,
		Username:     req.Username,
		PasswordHash: string(hash),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		CreatedAt:    s.now(),
		IsActive:     true,
	}
	if user.DisplayName == "" {
		user.DisplayName = req.Username
	}

	err = s.users.Update(func(t *userTable) error {
		if *t == nil {
			*t = userTable{}
		}
		if _, ok := (*t)[user.Username]; ok {
			return ErrUserExists
		}
		if user.Email != "" {
			for _, other := range *t {
				if strings.EqualFold(other.Email, user.Email) {
					return ErrEmailTaken
				}
			}
		}
		(*t)[user.Username] = user
		return nil
	})
	if err != nil {
		return User{}, err
	}
	s.log.Info("user registered", zap.String("username", user.Username), zap.String("user_id", user.UserID))
	return user, nil
}

func (s *Service) Authenticate(username, password string) (User, error) {
	if username == "" || password == "" {
		return User{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	var user User
	err := s.users.Update(func(t *userTable) error {
		u, ok := (*t)[username]
		if !ok {
			return ErrUserNotFound
		}
		if !u.IsActive {
			return ErrUserDisabled
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
			return ErrBadPassword
		}
		now := s.now()
		u.LastLogin = &now
		(*t)[username] = u
		user = u
		return nil
	})
	if err != nil {
		return User{}, err
	}
	s.log.Info("user logged in", zap.String("username", username))
	return user, nil
}

// CreateSession issues a random URL-safe token valid for the session TTL.
func (s *Service) CreateSession(user User) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	now := s.now()
	sess := Session{
		UserID:       user.UserID,
		Username:     user.Username,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		LastAccessed: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.sessions.Update(func(t *sessionTable) error {
		if *t == nil {
			*t = sessionTable{}
		}
		(*t)[token] = sess
		return nil
	})
	if err != nil {
		return "", err
	}
	s.expires.ReplaceOrInsert(expiry{at: sess.ExpiresAt, token: token})
	return token, nil
}

// ValidateSession returns the session owner, refreshing LastAccessed.
// Expired sessions and sessions of deleted users are removed.
func (s *Service) ValidateSession(token string) (User, error) {
	if token == "" {
		return User{}, ErrSessionInvalid
	}
	users, err := s.users.Load()
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var user User
	err = s.sessions.Update(func(t *sessionTable) error {
		sess, ok := (*t)[token]
		if !ok {
			return ErrSessionInvalid
		}
		now := s.now()
		u, exists := users[sess.Username]
		if now.After(sess.ExpiresAt) || !exists {
			delete(*t, token)
			s.expires.Delete(expiry{at: sess.ExpiresAt, token: token})
			return nil
		}
		sess.LastAccessed = now
		(*t)[token] = sess
		user = u
		return nil
	})
	if err != nil {
		return User{}, err
	}
	if user.UserID == "" {
		return User{}, ErrSessionInvalid
	}
	return user, nil
}

// Logout reports whether the token existed.
func (s *Service) Logout(token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed *Session
	err := s.sessions.Update(func(t *sessionTable) error {
		sess, ok := (*t)[token]
		if !ok {
			return nil
		}
		delete(*t, token)
		removed = &sess
		return nil
	})
	if err != nil || removed == nil {
		return false, err
	}
	s.expires.Delete(expiry{at: removed.ExpiresAt, token: token})
	s.log.Info("user logged out", zap.String("username", removed.Username))
	return true, nil
}

// PurgeExpired drops sessions past their deadline and returns how many
// were removed.
func (s *Service) PurgeExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []expiry
	s.expires.AscendLessThan(expiry{at: now}, func(e expiry) bool {
		due = append(due, e)
		return true
	})
	if len(due) == 0 {
		return 0, nil
	}

	removed := 0
	err := s.sessions.Update(func(t *sessionTable) error {
		for _, e := range due {
			if sess, ok := (*t)[e.token]; ok && now.After(sess.ExpiresAt) {
				delete(*t, e.token)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, e := range due {
		s.expires.Delete(e)
	}
	return removed, nil
}

func (s *Service) Stats() (Stats, error) {
	if _, err := s.PurgeExpired(); err != nil {
		return Stats{}, err
	}
	users, err := s.users.Load()
	if err != nil {
		return Stats{}, err
	}
	sessions, err := s.sessions.Load()
	if err != nil {
		return Stats{}, err
	}

	y, m, d := s.now().Date()
	today := 0
	for _, u := range users {
		uy, um, ud := u.CreatedAt.In(s.now().Location()).Date()
		if uy == y && um == m && ud == d {
			today++
		}
	}
	return Stats{
		TotalUsers:      len(users),
		ActiveSessions:  len(sessions),
		RegisteredToday: today,
	}, nil
}

func newUserID(now time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("user id: %w", err)
	}
	return "user_" + strconv.FormatInt(now.Unix(), 10) + "_" + hex.EncodeToString(buf), nil
}
