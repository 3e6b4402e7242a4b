package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"taskbridge/internal/domain"
	"taskbridge/internal/remote"
)

// fakeBackend implements just enough of the remote identity API: password
// auth, token introspection and administrative user upserts.
type fakeBackend struct {
	mu       sync.Mutex
	nextID   int64
	nextTok  int
	accounts map[string]*domain.Account // by username
	passes   map[string]string
	tokens   map[string]string // token -> username
	authErrs int               // leading 503s on /auth
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nextID:   100,
		accounts: map[string]*domain.Account{},
		passes:   map[string]string{},
		tokens:   map[string]string{},
	}
}

func (b *fakeBackend) addUser(username, password string) *domain.Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	acc := &domain.Account{ID: b.nextID, Username: username, Email: username + "@local"}
	b.accounts[username] = acc
	b.passes[username] = password
	return acc
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.authErrs > 0 {
			b.authErrs--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if b.passes[req.Username] != req.Password || b.passes[req.Username] == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.nextTok++
		token := fmt.Sprintf("tok-%s-%d", req.Username, b.nextTok)
		b.tokens[token] = req.Username
		json.NewEncoder(w).Encode(map[string]string{"auth_token": token})
	})
	mux.HandleFunc("GET /api/v1/users/me", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		username, ok := b.tokens[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(b.accounts[username])
	})
	mux.HandleFunc("PUT /api/v1/users/{username}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		username := r.PathValue("username")
		b.mu.Lock()
		defer b.mu.Unlock()
		if acc, ok := b.accounts[username]; ok {
			b.passes[username] = req.Password
			json.NewEncoder(w).Encode(acc)
			return
		}
		b.nextID++
		acc := &domain.Account{ID: b.nextID, Username: username, Email: req.Email}
		b.accounts[username] = acc
		b.passes[username] = req.Password
		json.NewEncoder(w).Encode(acc)
	})
	return mux
}

func (b *fakeBackend) revokeTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = map[string]string{}
}

func testReconciler(t *testing.T, backend *fakeBackend) *Reconciler {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	admin := remote.New(srv.URL)
	return &Reconciler{
		Dir:         t.TempDir(),
		BaseURL:     srv.URL,
		Admin:       admin,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Logger:      zerolog.Nop(),
		Sleep:       func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}
}

func TestReconcileProvisionsNewProfile(t *testing.T) {
	backend := newFakeBackend()
	r := testReconciler(t, backend)

	cred, err := r.Reconcile(context.Background(), Profile{Name: "ide", Username: "ide", Email: "ide@local"}, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if cred.Username != "ide" || cred.Token == "" || cred.IdentityID == 0 {
		t.Fatalf("incomplete credential: %+v", cred)
	}

	stored, err := ReadCredential(r.Dir, "ide")
	if err != nil {
		t.Fatalf("read credential: %v", err)
	}
	if stored.IdentityID != cred.IdentityID {
		t.Fatal("persisted credential differs from returned one")
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(r.Dir, "auth.ide.json"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("credential file mode = %v, want 0600", info.Mode().Perm())
		}
	}
}

func TestReconcileReusesValidToken(t *testing.T) {
	backend := newFakeBackend()
	r := testReconciler(t, backend)
	ctx := context.Background()

	first, err := r.Reconcile(ctx, Profile{Name: "ide", Username: "ide"}, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Reconcile(ctx, Profile{Name: "ide", Username: "ide"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if second.Token != first.Token {
		t.Fatal("valid token was replaced")
	}
}

func TestReconcileReauthenticatesAfterRevocation(t *testing.T) {
	backend := newFakeBackend()
	r := testReconciler(t, backend)
	ctx := context.Background()

	first, err := r.Reconcile(ctx, Profile{Name: "ide", Username: "ide"}, false)
	if err != nil {
		t.Fatal(err)
	}
	backend.revokeTokens()

	second, err := r.Reconcile(ctx, Profile{Name: "ide", Username: "ide"}, false)
	if err != nil {
		t.Fatalf("reconcile after revocation: %v", err)
	}
	if second.Token == first.Token {
		t.Fatal("revoked token not replaced")
	}
	if second.IdentityID != first.IdentityID {
		t.Fatal("account changed across re-auth")
	}
}

func TestReconcileConflictGuard(t *testing.T) {
	backend := newFakeBackend()
	r := testReconciler(t, backend)
	ctx := context.Background()

	cred, err := r.Reconcile(ctx, Profile{Name: "ide", Username: "ide"}, false)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the remote account being recreated under a new id.
	backend.revokeTokens()
	backend.mu.Lock()
	delete(backend.accounts, "ide")
	delete(backend.passes, "ide")
	backend.mu.Unlock()

	_, err = r.Reconcile(ctx, Profile{Name: "ide", Username: "ide"}, false)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if ce.ExistingID != cred.IdentityID {
		t.Fatalf("conflict existing id = %d, want %d", ce.ExistingID, cred.IdentityID)
	}

	// Explicit override replaces the binding.
	override, err := r.Reconcile(ctx, Profile{Name: "ide", Username: "ide"}, true)
	if err != nil {
		t.Fatalf("reconcile with override: %v", err)
	}
	if override.IdentityID == cred.IdentityID {
		t.Fatal("override did not rebind to the new account")
	}
}

func TestReconcileStrictUsernameDrift(t *testing.T) {
	backend := newFakeBackend()
	r := testReconciler(t, backend)
	r.Strict = true
	ctx := context.Background()

	cred, err := r.Reconcile(ctx, Profile{Name: "ide", Username: "ide"}, false)
	if err != nil {
		t.Fatal(err)
	}
	backend.mu.Lock()
	backend.accounts["ide"].Username = "renamed"
	backend.mu.Unlock()

	_, err = r.Reconcile(ctx, Profile{Name: "ide", Username: "ide"}, false)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConflictError for username drift", err)
	}
	_ = cred
}

func TestReconcileRetriesTransientAuth(t *testing.T) {
	backend := newFakeBackend()
	backend.addUser("ide", "pw")
	backend.authErrs = 2
	r := testReconciler(t, backend)
	if err := SaveSeeds(r.Dir, map[string]Seed{"ide": {Profile: "ide", Username: "ide", Password: "pw"}}); err != nil {
		t.Fatal(err)
	}

	cred, err := r.Reconcile(context.Background(), Profile{Name: "ide", Username: "ide"}, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if cred.Token == "" {
		t.Fatal("no token after retries")
	}
}

func TestReconcileGivesUpAfterMaxAttempts(t *testing.T) {
	backend := newFakeBackend()
	backend.addUser("ide", "pw")
	backend.authErrs = 10
	r := testReconciler(t, backend)
	if err := SaveSeeds(r.Dir, map[string]Seed{"ide": {Profile: "ide", Username: "ide", Password: "pw"}}); err != nil {
		t.Fatal(err)
	}

	_, err := r.Reconcile(context.Background(), Profile{Name: "ide", Username: "ide"}, false)
	var pe *ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProvisionError", err)
	}
}

func TestReconcileAllCollectsProvisionErrors(t *testing.T) {
	backend := newFakeBackend()
	r := testReconciler(t, backend)
	r.Admin = nil // provisioning impossible

	// scrum has a seed with a working password, ide does not exist at all.
	backend.addUser("scrum", "pw")
	if err := SaveSeeds(r.Dir, map[string]Seed{"scrum": {Profile: "scrum", Username: "scrum", Password: "pw"}}); err != nil {
		t.Fatal(err)
	}

	creds, err := r.ReconcileAll(context.Background(), []Profile{
		{Name: "ide", Username: "ide"},
		{Name: "scrum", Username: "scrum"},
	}, false)
	if err == nil {
		t.Fatal("expected an aggregate error for the unprovisionable profile")
	}
	var pe *ProvisionError
	if !errors.As(err, &pe) || pe.Profile != "ide" {
		t.Fatalf("err = %v, want ProvisionError for ide", err)
	}
	if _, ok := creds["scrum"]; !ok {
		t.Fatal("later profile not reconciled after earlier failure")
	}
}

func TestSeedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := map[string]Seed{
		"ide": {Profile: "ide", Username: "ide", Email: "ide@local", Password: "s3cret"},
	}
	if err := SaveSeeds(dir, in); err != nil {
		t.Fatal(err)
	}
	out, err := LoadSeeds(dir)
	if err != nil {
		t.Fatal(err)
	}
	if out["ide"] != in["ide"] {
		t.Fatalf("seed round trip mismatch: %+v", out["ide"])
	}
}

func TestSaveSeedsOrdersByProfile(t *testing.T) {
	dir := t.TempDir()
	in := map[string]Seed{
		"scrum": {Profile: "scrum", Username: "scrum"},
		"ide":   {Profile: "ide", Username: "ide"},
		"bot":   {Profile: "bot", Username: "bot"},
	}
	if err := SaveSeeds(dir, in); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(filepath.Join(dir, seedFileName))
	if err != nil {
		t.Fatal(err)
	}
	var list []Seed
	if err := json.Unmarshal(first, &list); err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"bot", "ide", "scrum"} {
		if list[i].Profile != want {
			t.Fatalf("seed order = %+v, want sorted by profile", list)
		}
	}
	// Rewrites of the same store produce identical bytes.
	if err := SaveSeeds(dir, in); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(filepath.Join(dir, seedFileName))
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatal("rewriting the seed store changed the file contents")
	}
}

func TestGeneratePassword(t *testing.T) {
	a, err := generatePassword()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := generatePassword()
	if len(a) != 16 {
		t.Fatalf("len = %d, want 16", len(a))
	}
	if a == b {
		t.Fatal("two generated passwords are identical")
	}
}
