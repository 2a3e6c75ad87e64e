package models

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type UsersRepository struct {
	db *gorm.DB
}

var (
	// ErrUserNotFound is returned when a user or token lookup misses.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateUsername is returned when the username is already registered.
	ErrDuplicateUsername = errors.New("a user with that username already exists")
)

func NewUsersRepository(db *gorm.DB) *UsersRepository {
	return &UsersRepository{db: db}
}

func (r *UsersRepository) GetByID(ctx context.Context, id uint) (*User, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *UsersRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.first(ctx, "username = ?", username)
}

// GetByEmail returns the earliest account registered with email.
func (r *UsersRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.first(ctx, "email = ?", email)
}

func (r *UsersRepository) first(ctx context.Context, cond string, arg any) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).Where(cond, arg).Order("id").First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser stores u and issues its token in one transaction.
func (r *UsersRepository) CreateUser(ctx context.Context, u *User) (*Token, error) {
	token := &Token{Key: NewTokenKey()}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(u).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrDuplicateUsername
			}
			return err
		}
		token.UserID = u.ID
		return tx.Omit("User").Create(token).Error
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// GetOrCreateToken returns the token of userID, creating one on first use.
func (r *UsersRepository) GetOrCreateToken(ctx context.Context, userID uint) (*Token, error) {
	db := r.db.WithContext(ctx)

	var token Token
	err := db.Where(&Token{UserID: userID}).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		token = Token{Key: NewTokenKey(), UserID: userID}
		err = db.Omit("User").Create(&token).Error
		if err != nil && isDuplicateKey(err) {
			// A concurrent login created it first.
			err = db.Where(&Token{UserID: userID}).First(&token).Error
		}
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// GetUserByToken resolves a bearer token key to its user.
func (r *UsersRepository) GetUserByToken(ctx context.Context, key string) (*User, error) {
	if key == "" {
		return nil, ErrUserNotFound
	}

	var token Token
	if err := r.db.WithContext(ctx).
		Preload("User").
		Where(&Token{Key: key}).
		First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &token.User, nil
}

// UpdatePassword persists the password hash currently set on u.
func (r *UsersRepository) UpdatePassword(ctx context.Context, u *User) error {
	res := r.db.WithContext(ctx).Model(u).Update("password_hash", u.PasswordHash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
