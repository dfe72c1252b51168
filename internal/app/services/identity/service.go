package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentmesh/marketplace/internal/app/domain/user"
	"github.com/agentmesh/marketplace/internal/app/storage"
	"github.com/agentmesh/marketplace/pkg/logger"
)

// ErrWalletExists reports a strict create against a wallet that already has a
// user row.
var ErrWalletExists = errors.New("wallet address already registered")

// Service maps external wallet addresses to internal user identities.
type Service struct {
	store storage.UserStore
	log   *logger.Logger
}

// New constructs an identity service.
func New(store storage.UserStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("identity")
	}
	return &Service{store: store, log: log}
}

// Resolve returns the user for a wallet address, creating one on first sight.
// Repeated calls with the same address never produce a second row: the store
// performs the lookup and insert as one atomic operation, so a concurrent
// first-time call for the same wallet is resolved by the database, not by
// request ordering. An existing row is returned untouched.
func (s *Service) Resolve(ctx context.Context, wallet string) (user.User, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return user.User{}, fmt.Errorf("wallet_address is required")
	}

	usr, created, err := s.store.EnsureUser(ctx, user.User{WalletAddress: wallet})
	if err != nil {
		return user.User{}, err
	}
	if created {
		s.log.WithField("user_id", usr.ID).
			WithField("wallet", usr.WalletAddress).
			Info("user created")
	}
	return usr, nil
}

// Create registers a wallet strictly: an existing row is a conflict, not a
// resolve.
func (s *Service) Create(ctx context.Context, wallet string) (user.User, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return user.User{}, fmt.Errorf("wallet_address is required")
	}

	usr, created, err := s.store.EnsureUser(ctx, user.User{WalletAddress: wallet})
	if err != nil {
		return user.User{}, err
	}
	if !created {
		return user.User{}, ErrWalletExists
	}
	s.log.WithField("user_id", usr.ID).
		WithField("wallet", usr.WalletAddress).
		Info("user created")
	return usr, nil
}

// Lookup reports whether a wallet has a user row, returning it when present.
// Absence is not an error.
func (s *Service) Lookup(ctx context.Context, wallet string) (user.User, bool, error) {
	usr, err := s.store.GetUserByWallet(ctx, strings.TrimSpace(wallet))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, false, nil
		}
		return user.User{}, false, err
	}
	return usr, true, nil
}
