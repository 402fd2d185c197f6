package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mochi-neko/fars-sub000/config"
)

type identityStub struct {
	*httptest.Server
	lookups  atomic.Int32
	refreshs atomic.Int32
}

// newIdentityStub rejects the first lookup with INVALID_ID_TOKEN so user
// exercises the refresh-and-retry path.
func newIdentityStub(t *testing.T) *identityStub {
	t.Helper()
	stub := &identityStub{}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "api-key" {
			http.Error(w, "missing key", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/accounts:signInWithPassword":
			w.Write([]byte(`{"idToken":"id-token-value","refreshToken":"refresh-1","expiresIn":"3600","localId":"u1"}`))
		case "/token":
			stub.refreshs.Add(1)
			w.Write([]byte(`{"id_token":"id-token-refreshed","refresh_token":"refresh-2","expires_in":"3600","user_id":"u1"}`))
		case "/v1/accounts:lookup":
			if stub.lookups.Add(1) == 1 {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":{"code":400,"message":"INVALID_ID_TOKEN"}}`))
				return
			}
			w.Write([]byte(`{"users":[{"localId":"u1","email":"user@example.com","passwordHash":"secret-hash"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(stub.Close)
	return stub
}

func newTestApp(t *testing.T, srv *httptest.Server) (*app, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.APIKey = "api-key"
	cfg.Identity.BaseURL = srv.URL + "/v1"
	cfg.Identity.TokenURL = srv.URL + "/token"
	out := &bytes.Buffer{}
	return &app{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		out:    out,
	}, out
}

func TestRunSignInPrintsSession(t *testing.T) {
	stub := newIdentityStub(t)
	a, out := newTestApp(t, stub.Server)

	if err := a.run(context.Background(), "signin", []string{"user@example.com", "pw"}); err != nil {
		t.Fatalf("signin returned error: %v", err)
	}
	var got sessionOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.RefreshToken != "refresh-1" || got.ExpiresIn != 3600 {
		t.Fatalf("unexpected output %+v", got)
	}
	if strings.Contains(out.String(), "id-token-value") {
		t.Fatalf("identity token printed unmasked: %s", out.String())
	}
}

func TestRunUserRetriesOnce(t *testing.T) {
	stub := newIdentityStub(t)
	a, out := newTestApp(t, stub.Server)

	if err := a.run(context.Background(), "user", []string{"refresh-0"}); err != nil {
		t.Fatalf("user returned error: %v", err)
	}
	if stub.lookups.Load() != 2 || stub.refreshs.Load() != 2 {
		t.Fatalf("expected 2 lookups and 2 refreshes, got %d and %d", stub.lookups.Load(), stub.refreshs.Load())
	}
	if !strings.Contains(out.String(), "user@example.com") {
		t.Fatalf("user data missing from output: %s", out.String())
	}
	if strings.Contains(out.String(), "secret-hash") {
		t.Fatalf("password hash printed: %s", out.String())
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	stub := newIdentityStub(t)
	a, _ := newTestApp(t, stub.Server)

	if err := a.run(context.Background(), "signin", []string{"only-email"}); err == nil {
		t.Fatalf("expected argument count error")
	}
	if err := a.run(context.Background(), "bogus", nil); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if err := a.run(context.Background(), "login", []string{"myspace"}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if err := a.run(context.Background(), "device", []string{"github"}); err == nil {
		t.Fatalf("expected error for provider without device flow")
	}
}

func TestRunVerifyRequiresProject(t *testing.T) {
	stub := newIdentityStub(t)
	a, _ := newTestApp(t, stub.Server)
	a.cfg.Identity.ProjectID = ""

	if err := a.run(context.Background(), "verify", []string{"a.b.c"}); err == nil {
		t.Fatalf("expected error without project id")
	}
}

func TestRunConfigInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	in := strings.NewReader("\nmy-api-key\ndemo-project\n\n\n")

	if err := runConfigInit(path, in, io.Discard); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Identity.APIKey != "my-api-key" || cfg.Identity.ProjectID != "demo-project" {
		t.Fatalf("unexpected identity config %+v", cfg.Identity)
	}
	if err := runConfigInit(path, strings.NewReader("k\n"), io.Discard); err == nil {
		t.Fatalf("expected error when config already exists")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), logger)
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"err":     slog.LevelError,
	}
	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
