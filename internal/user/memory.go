package user

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrUsernameTaken = errors.New("username already taken")

// MemoryRepository keeps users in process, for single-node runs without
// Postgres.
type MemoryRepository struct {
	mu     sync.RWMutex
	byName map[string]*User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byName: make(map[string]*User)}
}

func (r *MemoryRepository) CreateUser(ctx context.Context, user *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[user.Username]; ok {
		return nil, ErrUsernameTaken
	}
	user.ID = uuid.NewString()
	stored := *user
	r.byName[user.Username] = &stored
	return user, nil
}

func (r *MemoryRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (r *MemoryRepository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q := strings.ToLower(query)
	var users []User
	for name, u := range r.byName {
		if strings.Contains(strings.ToLower(name), q) {
			users = append(users, User{ID: u.ID, Username: u.Username})
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	if len(users) > searchLimit {
		users = users[:searchLimit]
	}
	return users, nil
}
