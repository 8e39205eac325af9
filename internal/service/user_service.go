package service

import (
	"context"
	"errors"

	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// UserService manages account lifecycle. Accounts are provisioned lazily on
// first authenticated request.
type UserService interface {
	// GetOrCreate returns the account for an authenticated identity, creating
	// it with zero quota on first sight.
	GetOrCreate(ctx context.Context, userID, email string) (*model.User, error)
	Get(ctx context.Context, userID string) (*model.User, error)
	UpdateUsername(ctx context.Context, userID, username string) (*model.User, error)
	Delete(ctx context.Context, userID string) error
}

type userService struct {
	users  repository.UserRepository
	logger zerolog.Logger
}

// NewUserService creates a UserService with a scoped logger.
func NewUserService(users repository.UserRepository, logger zerolog.Logger) UserService {
	return &userService{
		users:  users,
		logger: logger.With().Str("service", "UserService").Logger(),
	}
}

func (s *userService) GetOrCreate(ctx context.Context, userID, email string) (*model.User, error) {
	u, err := s.users.Get(ctx, userID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	u, err = s.users.Create(ctx, userID, email, "")
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", userID).Msg("Provisioned new user account")
	return u, nil
}

func (s *userService) Get(ctx context.Context, userID string) (*model.User, error) {
	return s.users.Get(ctx, userID)
}

func (s *userService) UpdateUsername(ctx context.Context, userID, username string) (*model.User, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.Username = username
	if err := s.users.Save(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *userService) Delete(ctx context.Context, userID string) error {
	if err := s.users.SoftDelete(ctx, userID); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", userID).Msg("User account deleted")
	return nil
}
