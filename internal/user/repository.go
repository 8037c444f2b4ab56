package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// searchLimit caps SearchUsers results for every Store.
const searchLimit = 10

const uniqueViolation = "23505"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	u.ID = uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password) VALUES ($1, $2, $3)",
		u.ID, u.Username, u.Password)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := r.db.QueryRowContext(ctx,
		"SELECT id, username, password FROM users WHERE username = $1",
		username).Scan(&u.ID, &u.Username, &u.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// SearchUsers matches query as a literal substring of the username.
func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username FROM users
		WHERE username ILIKE '%' || $1 || '%' ESCAPE '\'
		ORDER BY username
		LIMIT $2
	`, likeEscaper.Replace(query), searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("search users: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
