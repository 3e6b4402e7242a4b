// Package identity binds local actor profiles to remote accounts and
// guards against silently adopting the wrong one.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskbridge/internal/domain"
	"taskbridge/internal/remote"
)

// ConflictError means the credential on disk points at a different remote
// account than the one the profile resolves to now. Proceeding would
// attribute actions to the wrong identity, so reconciliation stops.
type ConflictError struct {
	Profile     string
	ExistingID  int64
	CandidateID int64
	Detail      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity conflict for profile %s: stored account %d, resolved account %d (%s)",
		e.Profile, e.ExistingID, e.CandidateID, e.Detail)
}

// ProvisionError wraps a failure to provision or verify one profile.
// Other profiles may still have succeeded.
type ProvisionError struct {
	Profile string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning profile %s: %v", e.Profile, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

type Reconciler struct {
	Dir      string
	BaseURL  string
	AuthType string
	Admin    *remote.Client

	// Strict also treats username or email drift as a conflict, not just
	// a changed account id.
	Strict      bool
	MaxAttempts int
	Backoff     time.Duration
	Logger      zerolog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Reconciler) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Reconciler) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 5
	}
	return r.MaxAttempts
}

// withRetry runs fn up to the attempt cap, backing off between transient
// failures. Permanent failures return immediately.
func (r *Reconciler) withRetry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.maxAttempts(); attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !remote.IsTransient(err) {
			return err
		}
		r.Logger.Warn().Str("op", what).Int("attempt", attempt).Err(err).Msg("transient failure, retrying")
		if attempt < r.maxAttempts() {
			if serr := r.sleep(ctx, r.Backoff); serr != nil {
				return serr
			}
		}
	}
	return err
}

// Reconcile ensures the profile has a working credential bound to the
// right remote account. The happy paths, in order:
//
//  1. credential on disk, token still valid, same account: verified.
//  2. credential on disk, token expired: re-auth with the seed password.
//  3. no credential: provision (or adopt) the account and authenticate.
//
// A stored credential resolving to a different account id is a conflict
// unless allowOverride is set, in which case the stored binding is
// replaced.
func (r *Reconciler) Reconcile(ctx context.Context, profile Profile, allowOverride bool) (domain.Credential, error) {
	log := r.Logger.With().Str("profile", profile.Name).Logger()

	seeds, err := LoadSeeds(r.Dir)
	if err != nil {
		return domain.Credential{}, &ProvisionError{Profile: profile.Name, Err: err}
	}
	seed, ok := seeds[profile.Name]
	if !ok {
		seed = Seed{Profile: profile.Name, Username: profile.Username, Email: profile.Email}
	}
	if seed.Username == "" {
		seed.Username = profile.Name
	}
	if seed.Password == "" {
		seed.Password, err = generatePassword()
		if err != nil {
			return domain.Credential{}, &ProvisionError{Profile: profile.Name, Err: err}
		}
	}

	stored, err := ReadCredential(r.Dir, profile.Name)
	haveStored := err == nil
	if err != nil && !errors.Is(err, ErrNoCredential) {
		return domain.Credential{}, &ProvisionError{Profile: profile.Name, Err: err}
	}

	if haveStored {
		acc, verr := r.verifyToken(ctx, stored.Token)
		if verr == nil {
			if cerr := r.checkBinding(profile.Name, stored, acc, allowOverride); cerr != nil {
				return domain.Credential{}, cerr
			}
			log.Debug().Int64("account", acc.ID).Msg("credential verified")
			return r.persist(profile, seed, acc, stored.Token)
		}
		if remote.IsTransient(verr) {
			return domain.Credential{}, &ProvisionError{Profile: profile.Name, Err: verr}
		}
		log.Info().Msg("stored token rejected, re-authenticating")
	}

	token, acc, err := r.authenticate(ctx, seed)
	if err != nil {
		var ae *remote.APIError
		if errors.As(err, &ae) && !ae.Transient() {
			// Unknown user or wrong password: provision, then retry auth.
			token, acc, err = r.provision(ctx, seed)
		}
		if err != nil {
			return domain.Credential{}, &ProvisionError{Profile: profile.Name, Err: err}
		}
	}

	if haveStored {
		if cerr := r.checkBinding(profile.Name, stored, acc, allowOverride); cerr != nil {
			return domain.Credential{}, cerr
		}
	}

	seeds[profile.Name] = seed
	if err := SaveSeeds(r.Dir, seeds); err != nil {
		return domain.Credential{}, &ProvisionError{Profile: profile.Name, Err: err}
	}
	log.Info().Int64("account", acc.ID).Str("username", acc.Username).Msg("profile reconciled")
	return r.persist(profile, seed, acc, token)
}

// ReconcileAll reconciles every profile. A conflict aborts immediately;
// provisioning failures are collected so the remaining profiles still get
// their chance, and returned joined.
func (r *Reconciler) ReconcileAll(ctx context.Context, profiles []Profile, allowOverride bool) (map[string]domain.Credential, error) {
	creds := make(map[string]domain.Credential, len(profiles))
	var errs []error
	for _, p := range profiles {
		cred, err := r.Reconcile(ctx, p, allowOverride)
		if err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) {
				return creds, err
			}
			errs = append(errs, err)
			continue
		}
		creds[p.Name] = cred
	}
	return creds, errors.Join(errs...)
}

// Profile is the configured side of an identity binding.
type Profile struct {
	Name     string
	Username string
	Email    string
}

// PurgeCredentials removes every stored binding for the given profiles.
func (r *Reconciler) PurgeCredentials(profiles []Profile) error {
	var errs []error
	for _, p := range profiles {
		if err := RemoveCredential(r.Dir, p.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) checkBinding(profile string, stored domain.Credential, acc domain.Account, allowOverride bool) error {
	if stored.IdentityID != 0 && stored.IdentityID != acc.ID {
		if allowOverride {
			r.Logger.Warn().Str("profile", profile).
				Int64("old", stored.IdentityID).Int64("new", acc.ID).
				Msg("overriding stored identity binding")
			return nil
		}
		return &ConflictError{Profile: profile, ExistingID: stored.IdentityID, CandidateID: acc.ID, Detail: "account id changed"}
	}
	if r.Strict && !allowOverride {
		if stored.Username != "" && stored.Username != acc.Username {
			return &ConflictError{Profile: profile, ExistingID: stored.IdentityID, CandidateID: acc.ID,
				Detail: fmt.Sprintf("username drifted from %s to %s", stored.Username, acc.Username)}
		}
		if stored.Email != "" && acc.Email != "" && stored.Email != acc.Email {
			return &ConflictError{Profile: profile, ExistingID: stored.IdentityID, CandidateID: acc.ID,
				Detail: fmt.Sprintf("email drifted from %s to %s", stored.Email, acc.Email)}
		}
	}
	return nil
}

func (r *Reconciler) verifyToken(ctx context.Context, token string) (domain.Account, error) {
	var acc domain.Account
	err := r.withRetry(ctx, "verify token", func() error {
		var e error
		acc, e = r.client().WithToken(token).Me(ctx)
		return e
	})
	return acc, err
}

func (r *Reconciler) authenticate(ctx context.Context, seed Seed) (string, domain.Account, error) {
	var token string
	err := r.withRetry(ctx, "authenticate", func() error {
		var e error
		token, e = r.client().Auth(ctx, r.AuthType, seed.Username, seed.Password)
		return e
	})
	if err != nil {
		return "", domain.Account{}, err
	}
	acc, err := r.verifyToken(ctx, token)
	if err != nil {
		return "", domain.Account{}, err
	}
	return token, acc, nil
}

func (r *Reconciler) provision(ctx context.Context, seed Seed) (string, domain.Account, error) {
	if r.Admin == nil {
		return "", domain.Account{}, fmt.Errorf("cannot provision %s: no admin client configured", seed.Username)
	}
	err := r.withRetry(ctx, "provision user", func() error {
		return r.Admin.EnsureUser(ctx, seed.Username, seed.Email, seed.Password)
	})
	if err != nil {
		return "", domain.Account{}, err
	}
	return r.authenticate(ctx, seed)
}

func (r *Reconciler) persist(profile Profile, seed Seed, acc domain.Account, token string) (domain.Credential, error) {
	cred := domain.Credential{
		Profile:    profile.Name,
		BaseURL:    r.BaseURL,
		IdentityID: acc.ID,
		Username:   acc.Username,
		Email:      acc.Email,
		Token:      token,
		CreatedAt:  r.now().UTC().Format(time.RFC3339),
	}
	if err := WriteCredential(r.Dir, cred); err != nil {
		return domain.Credential{}, &ProvisionError{Profile: profile.Name, Err: err}
	}
	return cred, nil
}

func (r *Reconciler) client() *remote.Client {
	c := remote.New(r.BaseURL)
	if r.Admin != nil && r.Admin.HTTPClient != nil {
		c.HTTPClient = r.Admin.HTTPClient
	}
	return c
}
