package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/k-okoli/type-of-faith/internal/auth"
)

const uniqueViolation = "23505"

// CreateUser inserts an account row. Implements auth.UserStore.
func (d *DB) CreateUser(u auth.User) error {
	_, err := d.conn.Exec(`
		INSERT INTO users (id, username, password_hash, avatar_id)
		VALUES ($1, $2, $3, $4)
	`, u.ID, u.Username, u.PasswordHash, u.AvatarID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return auth.ErrUsernameTaken
		}
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (d *DB) GetUserByName(username string) (auth.User, error) {
	var u auth.User
	err := d.conn.QueryRow(`
		SELECT id, username, password_hash, avatar_id FROM users WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.AvatarID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrUserNotFound
	}
	if err != nil {
		return auth.User{}, fmt.Errorf("fetching user: %w", err)
	}
	return u, nil
}
