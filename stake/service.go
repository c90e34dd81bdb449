package stake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agentmarket/custody"
	"agentmarket/keys"
)

// ErrInvalidAmount is returned for zero or negative deposit and
// withdrawal amounts.
var ErrInvalidAmount = errors.New("stake: amount must be positive")

// ErrForbidden is returned when a caller without marketplace authority
// tries to freeze an account.
var ErrForbidden = errors.New("stake: forbidden")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the stake data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, ownerID string, now time.Time) (Account, error)
	AddStake(ctx context.Context, tx pgx.Tx, ownerID string, amount int64, now time.Time) (Account, error)
	SubtractStake(ctx context.Context, tx pgx.Tx, ownerID string, amount int64, now time.Time) (Account, error)
	SetFrozen(ctx context.Context, tx pgx.Tx, ownerID string, now time.Time) (Account, error)
	AdjustAgents(ctx context.Context, tx pgx.Tx, ownerID string, delta int, now time.Time) (Account, error)
	GetByOwner(ctx context.Context, ownerID string) (Account, error)
}

// AuthorityChecker reports whether a participant holds marketplace
// authority.
type AuthorityChecker interface {
	IsAuthority(ctx context.Context, participantID string) (bool, error)
}

// Service manages stake accounts. Deposited funds move into a shared
// vault custody account and come back out on withdrawal.
type Service struct {
	pool     TxBeginner
	repo     Repository
	gateway  custody.Gateway
	authz    AuthorityChecker
	currency string
	now      func() time.Time
}

// VaultID is the custody owner id holding all deposited stake.
func VaultID() string {
	return keys.Derive(keys.TagStake, "vault")
}

func NewService(pool TxBeginner, repo Repository, gateway custody.Gateway, authz AuthorityChecker, currency string) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		gateway:  gateway,
		authz:    authz,
		currency: currency,
		now:      time.Now,
	}
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// InitAccount creates an empty stake account for the owner.
func (s *Service) InitAccount(ctx context.Context, ownerID string) (Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("stake: begin init tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.Insert(ctx, tx, ownerID, s.now())
	if err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("stake: commit init: %w", err)
	}
	return a, nil
}

// Deposit moves amount from the owner's custody into the vault and
// credits the stake counter.
func (s *Service) Deposit(ctx context.Context, ownerID string, amount int64) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("stake: begin deposit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.AddStake(ctx, tx, ownerID, amount, s.now())
	if err != nil {
		return Account{}, err
	}
	if err := s.gateway.Transfer(ctx, tx, ownerID, VaultID(), s.currency, amount); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("stake: commit deposit: %w", err)
	}
	return a, nil
}

// Withdraw returns amount from the vault to the owner. Rejected while
// the account is frozen, while agents are deployed, or when the staked
// balance is short.
func (s *Service) Withdraw(ctx context.Context, ownerID string, amount int64) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("stake: begin withdraw tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.SubtractStake(ctx, tx, ownerID, amount, s.now())
	if err != nil {
		return Account{}, err
	}
	if err := s.gateway.Transfer(ctx, tx, VaultID(), ownerID, s.currency, amount); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("stake: commit withdraw: %w", err)
	}
	return a, nil
}

// Freeze locks the account against deposits, withdrawals and agent
// deployment. Marketplace authority only.
func (s *Service) Freeze(ctx context.Context, authorityID, ownerID string) (Account, error) {
	ok, err := s.authz.IsAuthority(ctx, authorityID)
	if err != nil {
		return Account{}, err
	}
	if !ok {
		return Account{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("stake: begin freeze tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.SetFrozen(ctx, tx, ownerID, s.now())
	if err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("stake: commit freeze: %w", err)
	}
	return a, nil
}

// AgentDeployed bumps the deployed-agent counter.
func (s *Service) AgentDeployed(ctx context.Context, ownerID string) (Account, error) {
	return s.adjustAgents(ctx, ownerID, 1)
}

// AgentUndeployed drops the deployed-agent counter.
func (s *Service) AgentUndeployed(ctx context.Context, ownerID string) (Account, error) {
	return s.adjustAgents(ctx, ownerID, -1)
}

// Get retrieves a stake account by owner.
func (s *Service) Get(ctx context.Context, ownerID string) (Account, error) {
	return s.repo.GetByOwner(ctx, ownerID)
}

func (s *Service) adjustAgents(ctx context.Context, ownerID string, delta int) (Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("stake: begin agents tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.AdjustAgents(ctx, tx, ownerID, delta, s.now())
	if err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("stake: commit agents: %w", err)
	}
	return a, nil
}
