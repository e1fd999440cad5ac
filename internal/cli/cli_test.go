package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mobiletoly/go-overreplica/internal/auth"
	"github.com/mobiletoly/go-overreplica/overpg"
	"github.com/mobiletoly/go-overreplica/overreplica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
default:
  detect_type: USE_PK_DATA
  resolve_type: FALLBACK
conflict_settings:
  - id: orders_sales
    table: orders
    channel: sales
    resolve_type: ignore
    resolve_row_only: true
  - id: items_newer
    table: public.items
    detect_type: USE_VERSION
    detect_expression: version
    resolve_type: NEWER_WINS
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overreplica.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSettingsShow(t *testing.T) {
	path := writeConfig(t, testConfig)

	out, err := execute(t, "settings", "show", "--config", path, "-o", "json")
	require.NoError(t, err)

	var view settingsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.False(t, view.Builtin)
	assert.Equal(t, overreplica.ResolveFallback, view.Default.ResolveType)
	require.Len(t, view.Settings, 2)
	assert.Equal(t, overreplica.ResolveIgnore, view.Settings[0].ResolveType, "enums are normalized")

	out, err = execute(t, "settings", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "resolve_type: NEWER_WINS")
	assert.Contains(t, out, "detect_expression: version")
}

func TestSettingsShow_BuiltinDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	out, err := execute(t, "settings", "show", "--config", path, "-o", "json")
	require.NoError(t, err)

	var view settingsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.True(t, view.Builtin)
	assert.Equal(t, overreplica.ResolveManual, view.Default.ResolveType)
	assert.Empty(t, view.Settings)
}

func TestSettingsShow_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `
conflict_settings:
  - table: orders
    detect_type: USE_TIMESTAMP
    resolve_type: NEWER_WINS
`)
	_, err := execute(t, "settings", "show", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detect_expression")
}

func TestSettingsSelect(t *testing.T) {
	path := writeConfig(t, testConfig)

	tests := []struct {
		name    string
		args    []string
		wantID  string
		resolve overreplica.ResolveType
	}{
		{"channel match", []string{"public.orders", "--channel", "sales"}, "orders_sales", overreplica.ResolveIgnore},
		{"other channel falls to default", []string{"public.orders", "--channel", "returns"}, "", overreplica.ResolveFallback},
		{"qualified table", []string{"public.items"}, "items_newer", overreplica.ResolveNewerWins},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"settings", "select", "--config", path, "-o", "json"}, tt.args...)
			out, err := execute(t, args...)
			require.NoError(t, err)

			var cs overreplica.ConflictSetting
			require.NoError(t, json.Unmarshal([]byte(out), &cs))
			assert.Equal(t, tt.wantID, cs.ID)
			assert.Equal(t, tt.resolve, cs.ResolveType)
		})
	}
}

func TestToken(t *testing.T) {
	out, err := execute(t, "token", "--subject", "store-7", "--role", "node", "--jwt-secret", "s3cret", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := overpg.NewJWTAuth("s3cret").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "store-7", claims.Subject)
	assert.Equal(t, auth.RoleNode, claims.Role)

	_, err = execute(t, "token", "--subject", "store-7", "--role", "root")
	assert.Error(t, err)

	_, err = execute(t, "token", "--role", "admin")
	assert.Error(t, err, "subject is required")

	_, err = execute(t, "token", "--subject", "ops", "--jwt-secret", "s3cret", "--ttl=-1h")
	assert.Error(t, err)
}

func TestToken_RequiresSecret(t *testing.T) {
	_, err := issueToken(&TokenOptions{Subject: "ops", Role: auth.RoleAdmin, TTL: time.Hour})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt secret is required")
}

func TestRootFlags(t *testing.T) {
	_, err := execute(t, "settings", "show", "--log-format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")

	_, err = execute(t, "settings", "show", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestServe_RequiresDatabaseURL(t *testing.T) {
	_, err := execute(t, "serve", "--database-url", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database url is required")
}

func TestServe_RequiresJWTSecret(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	opts := &ServeOptions{DatabaseURL: "postgres://replica@localhost:5432/replica", Addr: ":0"}

	err := runServe(context.Background(), &RootOptions{ConfigPath: writeConfig(t, testConfig)}, opts, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt secret is required")
	assert.Empty(t, logs.String(), "nothing starts without a secret")
}

func TestRequestLogging(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	h := requestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), logger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/incoming-errors?limit=5", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "HTTP request", entry["msg"])
	assert.Equal(t, "/admin/incoming-errors", entry["path"])
	assert.Equal(t, "limit=5", entry["query"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, float64(len("short and stout")), entry["bytes"])
}
