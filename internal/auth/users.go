package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/relaygate/internal/rbac"
)

// User is a stored account. PasswordHash is the Argon2id encoded form.
type User struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	Email        string            `json:"email"`
	PasswordHash string            `json:"-"`
	Roles        []rbac.Role       `json:"roles"`
	Permissions  []rbac.Permission `json:"permissions,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Store errors.
var (
	ErrUserExists   = errors.New("username or email already taken")
	ErrUserNotFound = errors.New("user not found")
)

// Store is an in-memory user store keyed by username. Persistence is out of
// scope; the credential verification path is real.
type Store struct {
	mu      sync.RWMutex
	byName  map[string]*User
	byID    map[string]*User
	byEmail map[string]*User
	params  Argon2Params
}

// NewStore creates an empty user store hashing with the given parameters.
func NewStore(params Argon2Params) *Store {
	return &Store{
		byName:  make(map[string]*User),
		byID:    make(map[string]*User),
		byEmail: make(map[string]*User),
		params:  params,
	}
}

// Create registers a new user with the given roles, hashing the password.
func (s *Store) Create(username, email, password string, roles ...rbac.Role) (*User, error) {
	hash, err := HashPassword(password, s.params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byName[username]; taken {
		return nil, ErrUserExists
	}
	if _, taken := s.byEmail[email]; taken {
		return nil, ErrUserExists
	}

	if len(roles) == 0 {
		roles = []rbac.Role{rbac.RoleUser}
	}

	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
		CreatedAt:    time.Now().UTC(),
	}
	s.byName[username] = u
	s.byID[u.ID] = u
	s.byEmail[email] = u

	return u, nil
}

// Authenticate verifies the password for the named user. The hash
// verification runs even for unknown users so response timing does not
// reveal which usernames exist.
func (s *Store) Authenticate(username, password string) (*User, error) {
	s.mu.RLock()
	u := s.byName[username]
	s.mu.RUnlock()

	hash := dummyHash
	if u != nil {
		hash = u.PasswordHash
	}

	ok, err := VerifyPassword(password, hash)
	if err != nil || !ok || u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// GetByID returns the user with the given id.
func (s *Store) GetByID(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// GetByUsername returns the user with the given username.
func (s *Store) GetByUsername(username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// dummyHash is verified against when the username is unknown, equalizing the
// cost of known and unknown usernames. The password is unguessable; the
// verification always fails.
var dummyHash = func() string {
	h, err := HashPassword(uuid.NewString(), DefaultArgon2Params())
	if err != nil {
		panic("seeding dummy hash: " + err.Error())
	}
	return h
}()
