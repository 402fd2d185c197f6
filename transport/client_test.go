package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		APIKey:          "test-key",
		IdentityBaseURL: srv.URL + "/v1",
		TokenURL:        srv.URL + "/token",
		Locale:          "ja",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c
}

func TestSendDecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts:lookup" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("api key missing from query")
		}
		if r.Header.Get(LocaleHeader) != "ja" {
			t.Errorf("locale header missing")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["idToken"] != "abc" {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"kind":"lookup"}`))
	}))
	defer srv.Close()

	var out struct {
		Kind string `json:"kind"`
	}
	c := newTestClient(t, srv)
	if err := c.Send(context.Background(), Lookup, map[string]string{"idToken": "abc"}, &out, nil); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if out.Kind != "lookup" {
		t.Fatalf("decode mismatch: %q", out.Kind)
	}
}

func TestSendRoutesTokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if err := newTestClient(t, srv).Send(context.Background(), Token, map[string]string{}, nil, nil); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
}

func TestSendMapsInvalidIDToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"INVALID_ID_TOKEN","errors":[{"domain":"global","reason":"invalid","message":"INVALID_ID_TOKEN"}]}}`))
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Send(context.Background(), Update, map[string]string{}, nil, nil)
	if !errors.Is(err, ErrInvalidIdentityToken) {
		t.Fatalf("expected ErrInvalidIdentityToken, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected APIError with status, got %#v", err)
	}
}

func TestSendKeepsOtherCodesOpaque(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"WEAK_PASSWORD : Password should be at least 6 characters"}}`))
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Send(context.Background(), SignUp, map[string]string{}, nil, nil)
	if errors.Is(err, ErrInvalidIdentityToken) {
		t.Fatalf("weak password must not map to the retry signal")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != CodeWeakPassword {
		t.Fatalf("code mismatch: %s", apiErr.Code)
	}
	if apiErr.Body == "" {
		t.Fatalf("raw body should be preserved")
	}
}

func TestSendNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Send(context.Background(), Lookup, map[string]string{}, nil, nil)
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestSendNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	err := c.Send(context.Background(), Lookup, map[string]string{}, nil, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
}

func TestParseErrorCode(t *testing.T) {
	tests := map[string]ErrorCode{
		"EMAIL_EXISTS": CodeEmailExists,
		"TOO_MANY_ATTEMPTS_TRY_LATER : Access to this account has been temporarily disabled": CodeTooManyAttempts,
		"OPERATION_NOT_ALLOWED : Password sign-in is disabled for this project":              CodeOperationNotAllowed,
		"INVALID_CREDENTIAL_OR_PROVIDER_ID : Invalid IdP response/credential":                CodeInvalidCredentialOrProviderID,
		"Invalid JSON payload received. Unknown name \"foo\": Cannot find field.":            CodeInvalidJSONPayload,
		"SOMETHING_NEW": CodeUnknown,
	}
	for in, want := range tests {
		if got := ParseErrorCode(in); got != want {
			t.Fatalf("ParseErrorCode(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}
