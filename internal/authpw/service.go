// Package authpw provides email/password accounts.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/util"
)

var (
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidInput       = errors.New("invalid sign-up input")
)

const minPasswordLength = 8

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(userStore UserStore) *Service {
	return &Service{store: userStore, cost: bcrypt.DefaultCost}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp creates a new owner account.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	displayName := strings.TrimSpace(req.DisplayName)
	if email == "" || req.Password == "" || displayName == "" {
		return store.User{}, fmt.Errorf("%w: email, password, and display name are required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return store.User{}, fmt.Errorf("%w: email address is malformed", ErrInvalidInput)
	}
	if len(req.Password) < minPasswordLength {
		return store.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: string(hash),
		Role:         "owner",
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, ErrEmailExists
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn checks the password and returns the account.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
