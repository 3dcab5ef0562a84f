// stores.go
//
// Shared mock implementations of auth.Store, auth.SessionCache and sms.Sender.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

// MockStore implements auth.Store for tests.
//
// Always stateful...Users and Sessions are maps, like a real store.
// Lookups that miss return pgx.ErrNoRows, as PostgresStore does.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	CreateUserErr    error
	GetUserErr       error
	CreateSessionErr error
	GetSessionErr    error
	DeleteSessionErr error
	HealthErr        error

	Users    map[uuid.UUID]*store.User
	Sessions map[string]*store.Session // keyed by string(tokenHash)

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:    make(map[uuid.UUID]*store.User),
		Sessions: make(map[string]*store.Session),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

func (m *MockStore) CreateUser(_ context.Context, u store.NewUser) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Users {
		if existing.Email == u.Email {
			return &store.DuplicateError{Column: "email"}
		}
		if existing.Phone == u.Phone {
			return &store.DuplicateError{Column: "phone"}
		}
	}
	confirmed := u.PhoneConfirmedAt
	now := time.Now()
	m.Users[u.ID] = &store.User{
		ID:               u.ID,
		Email:            u.Email,
		Phone:            u.Phone,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		PasswordHash:     u.PasswordHash,
		PhoneConfirmedAt: &confirmed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return nil
}

func (m *MockStore) findUser(match func(*store.User) bool) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if match(u) {
			return u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	return m.findUser(func(u *store.User) bool { return u.Email == email })
}

func (m *MockStore) GetUserByPhone(_ context.Context, phone string) (*store.User, error) {
	return m.findUser(func(u *store.User) bool { return u.Phone == phone })
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	return m.findUser(func(u *store.User) bool { return u.ID == id })
}

func (m *MockStore) CreateSession(_ context.Context, id, userID uuid.UUID, tokenHash []byte, expiresAt time.Time, ip, userAgent *string) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[string(tokenHash)] = &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok || !time.Now().Before(s.ExpiresAt) {
		return nil, pgx.ErrNoRows
	}
	return s, nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) CheckHealth(context.Context) error { return m.HealthErr }

// SessionCount reports the number of stored sessions.
func (m *MockStore) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

// MockCache implements auth.SessionCache for tests.
// Always stateful...Sessions is a map, like a real cache.
type MockCache struct {
	// Error injection...zero value means no error
	GetSessionErr    error
	SetSessionErr    error
	DeleteSessionErr error
	HealthErr        error

	Sessions map[string]*store.CachedSession // keyed by base64 token hash

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{
		Sessions: make(map[string]*store.CachedSession),
	}
}

func (m *MockCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return s, nil
}

func (m *MockCache) SetSession(_ context.Context, tokenHash string, sess store.Session, _ time.Duration) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[tokenHash] = &store.CachedSession{UserID: sess.UserID, ExpiresAt: sess.ExpiresAt}
	return nil
}

func (m *MockCache) DeleteSession(_ context.Context, tokenHash string, _ uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, tokenHash)
	return nil
}

func (m *MockCache) CheckHealth(context.Context) error { return m.HealthErr }

// Len reports the number of cached sessions.
func (m *MockCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

// MockSender implements sms.Sender, recording the last message per number.
type MockSender struct {
	SendErr error

	Sent  map[string]string
	Calls int

	mu sync.Mutex
}

// NewMockSender returns an empty MockSender ready for use.
func NewMockSender() *MockSender {
	return &MockSender{Sent: make(map[string]string)}
}

func (m *MockSender) Send(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent[to] = body
	return nil
}

var sixDigits = regexp.MustCompile(`\b\d{6}\b`)

// CodeFor extracts the most recent 6-digit code sent to phone, or "".
func (m *MockSender) CodeFor(phone string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sixDigits.FindString(m.Sent[phone])
}

// CallCount reports how many sends were attempted.
func (m *MockSender) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
