// Package auth stands in for the external identity provider: password accounts, bearer
// tokens and the committee's review of buyer and seller requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"roundex/internal/apperr"
	"roundex/internal/notify"
	"roundex/internal/store"
)

// Service manages accounts and approval requests
type Service struct {
	store  *store.Store
	tokens *Issuer
	mail   notify.Gateway
	logger *slog.Logger
}

func NewService(st *store.Store, tokens *Issuer, mail notify.Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		tokens: tokens,
		mail:   mail,
		logger: logger.With("component", "auth"),
	}
}

// Tokens returns the token issuer
func (s *Service) Tokens() *Issuer {
	return s.tokens
}

// RegisterInput is a new account. At least one of AsBuyer and AsSeller must be set.
type RegisterInput struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
	AsBuyer  bool   `json:"as_buyer"`
	AsSeller bool   `json:"as_seller"`
}

// Session is a signed-in user
type Session struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

func (in *RegisterInput) validate() error {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return apperr.InvalidOperation("A valid email is required")
	}
	if in.FullName == "" {
		return apperr.InvalidOperation("Full name is required")
	}
	if len(in.Password) < 8 || len(in.Password) > 72 {
		return apperr.InvalidOperation("Password must be 8-72 characters")
	}
	if !in.AsBuyer && !in.AsSeller {
		return apperr.InvalidOperation("Register as a buyer, a seller or both")
	}
	return nil
}

// Register creates an unapproved account with a pending request for each requested side
// and signs the user in
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &store.User{Email: in.Email, FullName: in.FullName, PasswordHash: string(hash)}
	var committee []string
	err = s.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.CreateUser(ctx, u); err != nil {
			if errors.Is(err, store.ErrUserExists) {
				return apperr.InvalidOperation("Email is already registered")
			}
			return err
		}
		for _, isBuy := range sides(in.AsBuyer, in.AsSeller) {
			if err := q.CreateUserRequest(ctx, &store.UserRequest{UserID: u.ID, IsBuy: isBuy}); err != nil {
				return err
			}
		}
		committee, err = q.CommitteeEmails(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", "user_id", u.ID, "as_buyer", in.AsBuyer, "as_seller", in.AsSeller)
	if in.AsBuyer {
		s.send(ctx, []string{u.Email}, notify.RegisterBuyer)
	}
	if in.AsSeller {
		s.send(ctx, []string{u.Email}, notify.RegisterSeller)
	}
	s.send(ctx, committee, notify.NewUserReview)

	return s.session(u)
}

func sides(asBuyer, asSeller bool) []bool {
	var out []bool
	if asBuyer {
		out = append(out, true)
	}
	if asSeller {
		out = append(out, false)
	}
	return out
}

// Login checks a password and signs the user in
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Unauthorized("Invalid email or password")
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.Unauthorized("Invalid email or password")
	}
	return s.session(u)
}

func (s *Service) session(u *store.User) (*Session, error) {
	token, _, err := s.tokens.Issue(u.ID)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, User: u}, nil
}

// Authenticate resolves a bearer token to its user
func (s *Service) Authenticate(ctx context.Context, token string) (*store.User, *Claims, error) {
	claims, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	u, err := s.store.GetUser(ctx, claims.UserID())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.Unauthorized("Unknown user")
	}
	if err != nil {
		return nil, nil, err
	}
	return u, claims, nil
}

// Logout revokes the token behind claims
func (s *Service) Logout(ctx context.Context, claims *Claims) error {
	return s.tokens.Revoke(ctx, claims)
}

// RequireCommittee fails unless userID is a committee member
func (s *Service) RequireCommittee(ctx context.Context, userID string) (*store.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	if !u.IsCommittee {
		return nil, apperr.Unauthorized("Committee access only")
	}
	return u, nil
}

func (s *Service) send(ctx context.Context, recipients []string, template string) {
	if err := s.mail.Send(ctx, recipients, template, nil); err != nil {
		s.logger.Error("failed to send notification", "template", template, "error", err)
	}
}

// EnsureCommittee creates a committee account approved on both sides unless the email is
// already registered. It backs the bootstrap flags of the server binary.
func (s *Service) EnsureCommittee(ctx context.Context, email, fullName, password string) (*store.User, error) {
	in := RegisterInput{Email: email, FullName: fullName, Password: password, AsBuyer: true, AsSeller: true}
	if err := in.validate(); err != nil {
		return nil, err
	}
	existing, err := s.store.GetUserByEmail(ctx, in.Email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	u := &store.User{
		Email:        in.Email,
		FullName:     in.FullName,
		PasswordHash: string(hash),
		CanBuy:       true,
		CanSell:      true,
		IsCommittee:  true,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("committee account created", "user_id", u.ID)
	return u, nil
}
