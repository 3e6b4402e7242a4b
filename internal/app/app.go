// Package app wires the bridge together: open state, wait for the remote
// stack, reconcile identities and hand out a ready-to-run sync engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"taskbridge/internal/audit"
	"taskbridge/internal/config"
	"taskbridge/internal/db"
	"taskbridge/internal/domain"
	"taskbridge/internal/identity"
	"taskbridge/internal/migrate"
	"taskbridge/internal/outbox"
	"taskbridge/internal/readiness"
	"taskbridge/internal/remote"
	syncer "taskbridge/internal/sync"
)

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Store     outbox.Store
	Audit     audit.Writer
	Logger    zerolog.Logger

	// AdminToken authorizes user provisioning. Usually injected via
	// TASKBRIDGE_ADMIN_TOKEN.
	AdminToken string
}

// Open loads config, opens the database and applies migrations.
func Open(workspace string, logger zerolog.Logger) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Store:     outbox.Store{DB: conn},
		Audit:     audit.Writer{DB: conn},
		Logger:    logger,
	}, nil
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func (a *App) stateDir() string {
	return db.StateDir(a.Workspace)
}

func (a *App) probe() *readiness.Probe {
	return &readiness.Probe{
		Client:   &http.Client{Timeout: a.Config.RemoteTimeout()},
		Interval: a.Config.ReadinessInterval(),
		Grace:    a.Config.ReadinessGrace(),
		Logger:   a.Logger,
	}
}

func (a *App) stages() []readiness.Stage {
	stages := make([]readiness.Stage, 0, len(a.Config.Readiness.Stages))
	for _, s := range a.Config.Readiness.Stages {
		stages = append(stages, readiness.Stage{
			Name:    s.Name,
			URL:     s.URL,
			Expect:  s.Expect,
			Timeout: time.Duration(s.TimeoutSeconds) * time.Second,
		})
	}
	return stages
}

// Reconciler builds the identity reconciler for this workspace.
func (a *App) Reconciler() *identity.Reconciler {
	var admin *remote.Client
	if a.AdminToken != "" {
		admin = remote.New(a.Config.Remote.BaseURL).WithToken(a.AdminToken)
		admin.Timeout = a.Config.RemoteTimeout()
	}
	return &identity.Reconciler{
		Dir:         a.stateDir(),
		BaseURL:     a.Config.Remote.BaseURL,
		AuthType:    a.Config.Remote.AuthType,
		Admin:       admin,
		Strict:      a.Config.Identity.Strict,
		MaxAttempts: a.Config.Identity.MaxAttempts,
		Backoff:     a.Config.IdentityBackoff(),
		Logger:      a.Logger,
	}
}

func (a *App) profiles() []identity.Profile {
	profiles := make([]identity.Profile, 0, len(a.Config.Profiles))
	for _, p := range a.Config.Profiles {
		profiles = append(profiles, identity.Profile{Name: p.Name, Username: p.Username, Email: p.Email})
	}
	return profiles
}

// Bootstrap runs the startup sequence: wait for the remote stack, then
// reconcile every profile. A readiness timeout or an identity conflict
// aborts; provisioning failures for individual profiles are reported after
// every profile has had its attempt.
func (a *App) Bootstrap(ctx context.Context, allowOverride bool) (map[string]domain.Credential, error) {
	a.Logger.Info().Str("base_url", a.Config.Remote.BaseURL).Msg("waiting for remote stack")
	if err := a.probe().WaitReady(ctx, a.stages()); err != nil {
		_ = a.Audit.Record(ctx, "bootstrap.readiness_failed", "", "", map[string]any{"error": err.Error()})
		return nil, err
	}
	_ = a.Audit.Record(ctx, "bootstrap.ready", "", "", nil)

	creds, err := a.Reconciler().ReconcileAll(ctx, a.profiles(), allowOverride)
	if err != nil {
		var ce *identity.ConflictError
		if errors.As(err, &ce) {
			_ = a.Audit.Record(ctx, "bootstrap.identity_conflict", ce.Profile, "", map[string]any{"error": ce.Error()})
			return creds, err
		}
		_ = a.Audit.Record(ctx, "bootstrap.provision_failed", "", "", map[string]any{"error": err.Error()})
		return creds, err
	}
	for name := range creds {
		_ = a.Audit.Record(ctx, "bootstrap.profile_ready", name, name, nil)
	}
	a.Logger.Info().Int("profiles", len(creds)).Msg("bootstrap complete")
	return creds, nil
}

// Reconcile runs identity reconciliation for one named profile.
func (a *App) Reconcile(ctx context.Context, name string, allowOverride bool) (domain.Credential, error) {
	p, ok := a.Config.Profile(name)
	if !ok {
		return domain.Credential{}, fmt.Errorf("profile %s not configured", name)
	}
	return a.Reconciler().Reconcile(ctx, identity.Profile{Name: p.Name, Username: p.Username, Email: p.Email}, allowOverride)
}

// Engine builds a sync engine that routes each event through the client of
// the profile it was recorded under. Events without a profile use the
// first configured profile's credential.
func (a *App) Engine() (*syncer.Engine, error) {
	defaultProfile := ""
	if len(a.Config.Profiles) > 0 {
		defaultProfile = a.Config.Profiles[0].Name
	}
	clients := map[string]syncer.Remote{}
	clientFor := func(profile string) (syncer.Remote, error) {
		if c, ok := clients[profile]; ok {
			return c, nil
		}
		cred, err := identity.ReadCredential(a.stateDir(), profile)
		if err != nil {
			if errors.Is(err, identity.ErrNoCredential) {
				return nil, fmt.Errorf("profile %s has no credential; run tb reconcile first", profile)
			}
			return nil, err
		}
		c := remote.New(a.Config.Remote.BaseURL).WithToken(cred.Token)
		c.Timeout = a.Config.RemoteTimeout()
		clients[profile] = c
		return c, nil
	}
	var fallback syncer.Remote
	if defaultProfile != "" {
		c, err := clientFor(defaultProfile)
		if err == nil {
			fallback = c
		}
	}
	return &syncer.Engine{
		Store:       a.Store,
		Remote:      fallback,
		ClientFor:   clientFor,
		MaxAttempts: a.Config.Sync.MaxAttempts,
		Logger:      a.Logger,
		Audit:       &a.Audit,
	}, nil
}

// PurgeCredentials removes every profile's stored credential file. The
// next bootstrap re-provisions from the seed store.
func (a *App) PurgeCredentials() error {
	return a.Reconciler().PurgeCredentials(a.profiles())
}

// Whoami resolves each profile's stored credential against the remote.
func (a *App) Whoami(ctx context.Context) (map[string]domain.Account, error) {
	res := map[string]domain.Account{}
	for _, p := range a.Config.Profiles {
		cred, err := identity.ReadCredential(a.stateDir(), p.Name)
		if err != nil {
			if errors.Is(err, identity.ErrNoCredential) {
				continue
			}
			return nil, err
		}
		c := remote.New(a.Config.Remote.BaseURL).WithToken(cred.Token)
		c.Timeout = a.Config.RemoteTimeout()
		acc, err := c.Me(ctx)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		res[p.Name] = acc
	}
	return res, nil
}
