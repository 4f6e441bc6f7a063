// Package tests holds Postgres-backed integration tests. They skip unless
// DATABASE_URL points at a disposable database.
package tests

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/authcore/server/internal/auth"
	"github.com/authcore/server/internal/clock"
	"github.com/authcore/server/internal/db"
	httphandler "github.com/authcore/server/internal/http"
	"github.com/authcore/server/internal/http/handlers"
	"github.com/authcore/server/internal/middleware"
	"github.com/authcore/server/internal/notify"
	"github.com/authcore/server/internal/repo"
)

const testJWTSecret = "test-jwt-secret-at-least-32-characters-long"

// OpenTestDB opens DATABASE_URL, runs migrations and truncates the auth
// tables. It skips the test when DATABASE_URL is unset.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	database, err := db.Open(context.Background(), url, zap.NewNop())
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database), "migrations must run successfully")
	require.NoError(t, db.TruncateAuthTables(database))
	return database
}

// testServer holds the server and DB for integration tests
type testServer struct {
	Server  *httptest.Server
	DB      *sql.DB
	Service *auth.AuthService
	Clock   *clock.Manual
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database := OpenTestDB(t)
	clk := clock.NewManual(time.Now().UTC().Truncate(time.Second))
	log := zap.NewNop()

	users := repo.NewUserRepo(database)
	otpStore := auth.NewOtpStore(repo.NewOtpRepo(database), auth.NewSecretGenerator(nil), clk, auth.OtpConfig{Salt: "test-otp-salt"})
	tokens, err := auth.NewTokenIssuer(auth.SigningConfig{Secret: []byte(testJWTSecret), Issuer: "authcore-test", TTL: time.Hour}, clk)
	require.NoError(t, err)
	hasher, err := auth.NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	svc := auth.NewAuthService(users, otpStore, tokens, hasher, notify.NewLogNotifier(log), clk, log,
		auth.NewMetrics(reg), auth.ServiceConfig{DevMode: true})

	contactLimiter := middleware.NewRateLimiter(10*time.Minute, 3, clk)
	t.Cleanup(contactLimiter.Stop)

	router := httphandler.NewRouter(httphandler.RouterDeps{
		Auth:     handlers.NewAuthHandler(svc, handlers.Limiters{Resend: contactLimiter}, log),
		Health:   handlers.NewHealthHandler(database, log),
		Tokens:   svc,
		Users:    users,
		Gatherer: reg,
		Log:      log,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, DB: database, Service: svc, Clock: clk}
}

func (s *testServer) BaseURL() string { return s.Server.URL }

func (s *testServer) TruncateAuth(t *testing.T) {
	t.Helper()
	require.NoError(t, db.TruncateAuthTables(s.DB), "truncate auth tables")
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
