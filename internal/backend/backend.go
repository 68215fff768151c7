// Package backend keeps each user's list of OpenAI-compatible chat
// endpoints and picks one per request by weight.
package backend

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"raftchat/internal/store"
)

const (
	DefaultAPIKey = "ollama"

	// MaxFailures consecutive failures deactivate a backend.
	MaxFailures = 3
)

var (
	ErrInvalid     = errors.New("backend: invalid configuration")
	ErrDuplicate   = errors.New("backend: same url and model already configured")
	ErrNotFound    = errors.New("backend: no such backend")
	ErrLastBackend = errors.New("backend: at least one backend must remain")
	ErrNoBackend   = errors.New("backend: no active backend")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

type Backend struct {
	BaseURL   string    `json:"base_url"`
	Model     string    `json:"model"`
	APIKey    string    `json:"api_key"`
	Weight    int       `json:"weight"`
	Status    Status    `json:"status"`
	LastCheck time.Time `json:"last_check"`
	Failures  int       `json:"failures"`
}

// Patch holds the fields of an update; nil fields are left alone.
type Patch struct {
	BaseURL       *string `json:"base_url,omitempty"`
	Model         *string `json:"model,omitempty"`
	APIKey        *string `json:"api_key,omitempty"`
	Weight        *int    `json:"weight,omitempty"`
	Status        *Status `json:"status,omitempty"`
	ResetFailures bool    `json:"reset_failures,omitempty"`
}

// Defaults fill in a new backend's empty URL, model or key.
type Defaults struct {
	BaseURL string
	Model   string
	APIKey  string
}

type Options struct {
	Defaults Defaults
	Logger   *zap.Logger
	Now      func() time.Time
	// IntN returns a number in [0,n); used for weighted picks.
	IntN func(n int) int
}

type Manager struct {
	docs     *store.Collection[[]Backend]
	defaults Defaults
	log      *zap.Logger
	now      func() time.Time
	intn     func(int) int
}

// New stores one <user>.json per user under dir.
func New(dir string, opts Options) (*Manager, error) {
	docs, err := store.NewCollection[[]Backend](dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		docs:     docs,
		defaults: opts.Defaults,
		log:      opts.Logger,
		now:      opts.Now,
		intn:     opts.IntN,
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.intn == nil {
		m.intn = rand.IntN
	}
	return m, nil
}

func (m *Manager) List(user string) ([]Backend, error) {
	doc, err := m.docs.Doc(user)
	if err != nil {
		return nil, err
	}
	return doc.Load()
}

func (m *Manager) Get(user string, idx int) (Backend, error) {
	list, err := m.List(user)
	if err != nil {
		return Backend{}, err
	}
	if idx < 0 || idx >= len(list) {
		return Backend{}, fmt.Errorf("%w: %d", ErrNotFound, idx)
	}
	return list[idx], nil
}

// Add appends b and returns its index.
func (m *Manager) Add(user string, b Backend) (int, error) {
	b.BaseURL = strings.TrimSpace(b.BaseURL)
	b.Model = strings.TrimSpace(b.Model)
	if b.BaseURL == "" {
		b.BaseURL = m.defaults.BaseURL
	}
	if b.Model == "" {
		b.Model = m.defaults.Model
	}
	if b.APIKey == "" {
		b.APIKey = m.defaults.APIKey
	}
	if b.APIKey == "" {
		b.APIKey = DefaultAPIKey
	}
	if err := validURL(b.BaseURL); err != nil {
		return 0, err
	}
	if b.Model == "" {
		return 0, fmt.Errorf("%w: model is required", ErrInvalid)
	}
	if b.Weight < 1 {
		b.Weight = 1
	}
	b.Status = StatusActive
	b.Failures = 0
	b.LastCheck = m.now()

	doc, err := m.docs.Doc(user)
	if err != nil {
		return 0, err
	}
	idx := -1
	err = doc.Update(func(list *[]Backend) error {
		if slices.IndexFunc(*list, func(o Backend) bool {
			return o.BaseURL == b.BaseURL && o.Model == b.Model
		}) >= 0 {
			return ErrDuplicate
		}
		*list = append(*list, b)
		idx = len(*list) - 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.log.Info("backend added", zap.String("user", user), zap.String("base_url", b.BaseURL), zap.String("model", b.Model))
	return idx, nil
}

func (m *Manager) Update(user string, idx int, p Patch) (Backend, error) {
	if p.BaseURL != nil {
		u := strings.TrimSpace(*p.BaseURL)
		if u != "" {
			if err := validURL(u); err != nil {
				return Backend{}, err
			}
		}
		p.BaseURL = &u
	}
	if p.Status != nil && *p.Status != StatusActive && *p.Status != StatusInactive {
		return Backend{}, fmt.Errorf("%w: unknown status %q", ErrInvalid, *p.Status)
	}

	doc, err := m.docs.Doc(user)
	if err != nil {
		return Backend{}, err
	}
	var out Backend
	err = doc.Update(func(list *[]Backend) error {
		if idx < 0 || idx >= len(*list) {
			return fmt.Errorf("%w: %d", ErrNotFound, idx)
		}
		b := &(*list)[idx]
		if p.BaseURL != nil && *p.BaseURL != "" {
			b.BaseURL = *p.BaseURL
		}
		if p.Model != nil && strings.TrimSpace(*p.Model) != "" {
			b.Model = strings.TrimSpace(*p.Model)
		}
		if p.APIKey != nil {
			b.APIKey = *p.APIKey
		}
		if p.Weight != nil {
			b.Weight = max(*p.Weight, 1)
		}
		if p.Status != nil {
			b.Status = *p.Status
		}
		if p.ResetFailures {
			b.Failures = 0
			b.Status = StatusActive
		}
		out = *b
		return nil
	})
	return out, err
}

func (m *Manager) Delete(user string, idx int) error {
	doc, err := m.docs.Doc(user)
	if err != nil {
		return err
	}
	return doc.Update(func(list *[]Backend) error {
		if len(*list) <= 1 {
			return ErrLastBackend
		}
		if idx < 0 || idx >= len(*list) {
			return fmt.Errorf("%w: %d", ErrNotFound, idx)
		}
		*list = slices.Delete(*list, idx, idx+1)
		return nil
	})
}

// Pick chooses an active backend with probability proportional to its
// weight and returns it with its index.
func (m *Manager) Pick(user string) (int, Backend, error) {
	list, err := m.List(user)
	if err != nil {
		return 0, Backend{}, err
	}
	total := 0
	for _, b := range list {
		if b.Status == StatusActive {
			total += max(b.Weight, 1)
		}
	}
	if total == 0 {
		return 0, Backend{}, ErrNoBackend
	}

	r := m.intn(total)
	for i, b := range list {
		if b.Status != StatusActive {
			continue
		}
		r -= max(b.Weight, 1)
		if r < 0 {
			return i, b, nil
		}
	}
	// unreachable while intn honours its range
	i := slices.IndexFunc(list, func(b Backend) bool { return b.Status == StatusActive })
	return i, list[i], nil
}

// MarkFailure counts a failed call; the MaxFailures-th one deactivates it.
func (m *Manager) MarkFailure(user string, idx int) (Backend, error) {
	doc, err := m.docs.Doc(user)
	if err != nil {
		return Backend{}, err
	}
	var out Backend
	err = doc.Update(func(list *[]Backend) error {
		if idx < 0 || idx >= len(*list) {
			return fmt.Errorf("%w: %d", ErrNotFound, idx)
		}
		b := &(*list)[idx]
		b.Failures++
		b.LastCheck = m.now()
		if b.Failures >= MaxFailures && b.Status != StatusInactive {
			b.Status = StatusInactive
			m.log.Warn("backend deactivated",
				zap.String("user", user), zap.Int("backend", idx), zap.Int("failures", b.Failures))
		}
		out = *b
		return nil
	})
	return out, err
}

func validURL(u string) error {
	if u == "" {
		return fmt.Errorf("%w: base url is required", ErrInvalid)
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("%w: base url must start with http:// or https://", ErrInvalid)
	}
	return nil
}
