package users

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/Qarib2004/rentcar-sub001/internal/rbac"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

// Service registers and authenticates marketplace users.
type Service struct {
	repo Repository
	cost int
	// clock is injectable for deterministic tests.
	clock func() time.Time

	// dummyHash keeps unknown-email logins as slow as wrong-password logins.
	dummyHash []byte
}

func NewService(repo Repository) *Service {
	return NewServiceWithCost(repo, bcrypt.DefaultCost)
}

// NewServiceWithCost is used by tests to trade hash strength for speed.
func NewServiceWithCost(repo Repository, cost int) *Service {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("rentcar-dummy-password"), cost)
	return &Service{repo: repo, cost: cost, clock: time.Now, dummyHash: dummy}
}

type RegisterRequest struct {
	Email    string
	Password string
	Name     string
}

// Register creates a customer account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (User, error) {
	return s.create(ctx, req, rbac.RoleCustomer)
}

// Seed creates an account with an explicit role; used to bootstrap admin accounts.
func (s *Service) Seed(ctx context.Context, req RegisterRequest, role string) (User, error) {
	if !rbac.IsKnownRole(role) {
		return User{}, ErrInvalidArgument
	}
	return s.create(ctx, req, role)
}

func (s *Service) create(ctx context.Context, req RegisterRequest, role string) (User, error) {
	email := normalizeEmail(req.Email)
	name := strings.TrimSpace(req.Name)
	if _, err := mail.ParseAddress(email); err != nil || name == "" || len(req.Password) < minPasswordLen {
		return User{}, ErrInvalidArgument
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Authenticate returns the user for valid credentials and ErrInvalidCredentials otherwise.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	u, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id string) (User, error) {
	if id == "" {
		return User{}, ErrInvalidArgument
	}
	return s.repo.GetByID(ctx, id)
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
