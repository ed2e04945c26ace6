package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"courier/cmd/internal/auth"

	"github.com/stretchr/testify/require"
)

const testIssuer = "courier-app-test"

func testConfig(pubHex string) Config {
	return Config{
		HTTPAddr:           "127.0.0.1:0",
		LogLevel:           "info",
		LogFormat:          "json",
		MaxBodyBytes:       16 << 10,
		Store:              StoreMemory,
		DBSchema:           "courier",
		MemoryCacheSize:    1000,
		UnreadCacheTTL:     time.Minute,
		AuthMode:           "paseto",
		AuthIssuer:         testIssuer,
		PasetoPublicKeyHex: pubHex,
		AuthTimeout:        time.Second,
		WSAllowedOrigins:   defaultWSAllowedOrigins,
		WSAllowQueryToken:  true,
		MaxMessageChars:    4000,
	}
}

func newTestApp(t *testing.T) (*App, *auth.PasetoIssuer) {
	t.Helper()

	issuer, err := auth.NewPasetoIssuer("", testIssuer, time.Hour)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), testConfig(issuer.PublicKeyHex()), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, issuer
}

func TestApp_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for path, want := range map[string]string{"/healthz": "ok\n", "/readyz": "ready\n"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Equal(t, want, string(body), path)
		require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"), path)
	}
}

func TestApp_MetricsExposed(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, "courier_realtime_sessions_active")
	require.Contains(t, body, "go_goroutines")
}

func TestApp_QuerySurfaceMounted(t *testing.T) {
	t.Parallel()

	a, issuer := newTestApp(t)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/conversations", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	tok, _ := issuer.Issue(auth.Identity{UserID: "alice"}, time.Now())
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Conversations []json.RawMessage `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Empty(t, out.Conversations)
}

func TestApp_WebSocketRejectsBadToken(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestNew_RejectsBadAuthKey(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(context.Background(), testConfig("zz"), log)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	base := testConfig("00")

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "badger", mutate: func(c *Config) { c.Store = StoreBadger }},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "mongo" }, wantErr: "unknown store"},
		{name: "postgres without url", mutate: func(c *Config) { c.Store = StorePostgres }, wantErr: "COURIER_DATABASE_URL"},
		{name: "paseto without key", mutate: func(c *Config) { c.PasetoPublicKeyHex = "" }, wantErr: "COURIER_PASETO_PUBLIC_KEY_HEX"},
		{name: "jwt short secret", mutate: func(c *Config) { c.AuthMode = "jwt"; c.JWTSecret = "short" }, wantErr: "at least 32 bytes"},
		{name: "jwt ok", mutate: func(c *Config) { c.AuthMode = "jwt"; c.JWTSecret = strings.Repeat("k", 32) }},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "COURIER_LOG_FORMAT"},
		{name: "min above max", mutate: func(c *Config) { c.DBMaxConns = 2; c.DBMinConns = 3 }, wantErr: "COURIER_DB_MIN_CONNS"},
		{name: "zero message limit", mutate: func(c *Config) { c.MaxMessageChars = 0 }, wantErr: "COURIER_MAX_MESSAGE_CHARS"},
	}

	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.wantErr == "" {
			require.NoError(t, err, tc.name)
			continue
		}
		require.ErrorContains(t, err, tc.wantErr, tc.name)
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("COURIER_STORE", " Badger ")
	t.Setenv("COURIER_AUTH_MODE", "JWT")
	t.Setenv("COURIER_WS_RATE_WINDOW", "3s")
	t.Setenv("COURIER_MAX_MESSAGE_CHARS", "280")
	t.Setenv("COURIER_WS_ALLOWED_ORIGINS", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, StoreBadger, cfg.Store)
	require.Equal(t, "jwt", cfg.AuthMode)
	require.Equal(t, 3*time.Second, cfg.WSRateWindow)
	require.Equal(t, 280, cfg.MaxMessageChars)
	require.Equal(t, defaultWSAllowedOrigins, cfg.WSAllowedOrigins)
	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.True(t, cfg.DBMigrate)
}

func TestSplitCSV(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a", "b"}, splitCSV(" a, ,b ,"))
	require.Empty(t, splitCSV(""))
}

func TestGatewayConfig_FromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig("00")
	cfg.WSRateEvents = 7
	cfg.WSOriginRequired = true

	gc := gatewayConfig(cfg)
	require.Equal(t, []string{"http://localhost", "http://127.0.0.1"}, gc.AllowedOrigins)
	require.Equal(t, 7, gc.RateEvents)
	require.True(t, gc.OriginRequired)
	require.Equal(t, time.Second, gc.AuthTimeout)
}
