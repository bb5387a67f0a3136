package storage

import (
	"context"

	"github.com/solobook/solobook/libs/db"
)

type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
}

type UserRepository struct {
	pool *db.Pool
}

func NewUserRepository(pool *db.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Create(ctx context.Context, user User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, username, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.DisplayName, user.PasswordHash)
	return err
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, display_name, password_hash
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (User, error) {
	var user User
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, display_name, password_hash
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash)
	if err != nil {
		return User{}, err
	}
	return user, nil
}
