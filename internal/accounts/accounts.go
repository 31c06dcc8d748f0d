// Package accounts manages the AWS account registry: which accounts commands
// may target, and the role the executor assumes in each. Adding or removing
// an account is itself an approval request; this package only validates and
// applies decided changes.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/store"
)

// accountIDLength is the fixed width of an AWS account id.
const accountIDLength = 12

// Registry reads and writes account configuration.
type Registry struct {
	store     *store.Store
	defaultID string
	log       *zap.Logger
}

// NewRegistry builds the registry. defaultID names the broker's own account;
// it is bootstrapped on first use and needs no assume role.
func NewRegistry(st *store.Store, defaultID string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: st, defaultID: defaultID, log: logger.Named("accounts")}
}

// DefaultID returns the broker's own account id.
func (r *Registry) DefaultID() string { return r.defaultID }

// EnsureDefault creates the default account entry when it is missing.
func (r *Registry) EnsureDefault(ctx context.Context) error {
	if r.defaultID == "" {
		return nil
	}
	_, err := r.store.GetAccount(ctx, r.defaultID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return r.store.PutAccount(ctx, &store.Account{
		AccountID: r.defaultID,
		Name:      "Default",
		Enabled:   true,
	})
}

// Get returns one account. Targeting an unknown or disabled account is the
// caller's error to surface.
func (r *Registry) Get(ctx context.Context, accountID string) (*store.Account, error) {
	return r.store.GetAccount(ctx, accountID)
}

// Resolve picks the execution target: the named account, or the default when
// the request names none. The returned role ARN is empty for the default
// account.
func (r *Registry) Resolve(ctx context.Context, accountID string) (*store.Account, error) {
	if accountID == "" {
		accountID = r.defaultID
	}
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	if !acct.Enabled {
		return nil, fmt.Errorf("account %s is disabled", accountID)
	}
	return acct, nil
}

// List returns every configured account.
func (r *Registry) List(ctx context.Context) ([]store.Account, error) {
	if err := r.EnsureDefault(ctx); err != nil {
		r.log.Warn("default account bootstrap failed", zap.Error(err))
	}
	return r.store.ListAccounts(ctx)
}

// Add writes an approved account. Validation has already happened when the
// request was created; it runs again here because the store is the last
// line.
func (r *Registry) Add(ctx context.Context, accountID, name, roleArn, addedBy string) error {
	if err := ValidateAccountID(accountID); err != nil {
		return err
	}
	if err := ValidateRoleArn(roleArn); err != nil {
		return err
	}
	if err := r.store.PutAccount(ctx, &store.Account{
		AccountID: accountID,
		Name:      name,
		RoleArn:   roleArn,
		Enabled:   true,
		AddedBy:   addedBy,
	}); err != nil {
		return err
	}
	r.log.Info("account added", zap.String("account_id", accountID), zap.String("name", name))
	return nil
}

// Remove deletes an account. The default account cannot be removed.
func (r *Registry) Remove(ctx context.Context, accountID string) error {
	if accountID == r.defaultID {
		return errors.New("cannot remove the default account")
	}
	if err := r.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	r.log.Info("account removed", zap.String("account_id", accountID))
	return nil
}

// ValidateAccountID checks the 12-digit shape.
func ValidateAccountID(accountID string) error {
	if accountID == "" {
		return errors.New("account id must not be empty")
	}
	if len(accountID) != accountIDLength {
		return fmt.Errorf("account id must be %d digits", accountIDLength)
	}
	for _, ch := range accountID {
		if ch < '0' || ch > '9' {
			return errors.New("account id must be numeric")
		}
	}
	return nil
}

// ValidateRoleArn checks the IAM role ARN shape. Empty is allowed: the
// default account executes without assuming a role.
func ValidateRoleArn(roleArn string) error {
	if roleArn == "" {
		return nil
	}
	if !strings.HasPrefix(roleArn, "arn:aws:iam::") {
		return errors.New("role arn must start with arn:aws:iam::")
	}
	if !strings.Contains(roleArn, ":role/") {
		return errors.New("role arn must contain :role/")
	}
	return nil
}
