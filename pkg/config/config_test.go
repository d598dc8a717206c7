package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnwsync/pnwsync/pkg/models"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pnwsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalTOML = `
[upstream]
api_key = "key-from-file"

[database]
database = "pnw"
user = "pnw"
password = "secret"
`

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalTOML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 60, cfg.Reconciler.CitiesDelaySeconds)
	assert.Equal(t, 60, cfg.REST.RateLimit)
	assert.Equal(t, 60, cfg.REST.RateWindowSeconds)
	assert.Equal(t, 500, cfg.REST.PageSize)
	assert.Equal(t, 5, cfg.REST.BatchSize)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, minimalTOML)
	t.Setenv("PNWSYNC_UPSTREAM_API_KEY", "key-from-env")
	t.Setenv("PNWSYNC_DATABASE_PORT", "5433")
	t.Setenv("PNWSYNC_LOGGING_LEVEL", "DEBUG")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", cfg.Upstream.APIKey)
	assert.Equal(t, 5433, cfg.Database.Port)
	level, err := cfg.Logging.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoadRequiresAPIKey(t *testing.T) {
	path := writeConfigFile(t, `
[database]
database = "pnw"
user = "pnw"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.api_key")
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Database: "pnw", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/pnw?sslmode=disable", d.DSN())
}

func TestSubscriptionsDefaults(t *testing.T) {
	parsed, err := Defaults().Subscriptions.Parsed()
	require.NoError(t, err)
	require.Len(t, parsed, 5)

	byKind := map[models.Kind][]models.EventKind{}
	for _, me := range parsed {
		byKind[me.Kind] = me.Events
	}
	assert.Equal(t, models.AllEvents(), byKind[models.KindNation])
	assert.Equal(t, models.AllEvents(), byKind[models.KindCity])
	assert.Equal(t, []models.EventKind{models.EventUpdate}, byKind[models.KindAccount])
	// Fixed resolution order, nations first.
	assert.Equal(t, models.KindNation, parsed[0].Kind)
}

func TestSubscriptionsParsing(t *testing.T) {
	tests := []struct {
		name    string
		models  map[string]string
		wantErr string
	}{
		{
			name:   "explicit event list",
			models: map[string]string{"nation": "create, update"},
		},
		{
			name:    "unknown kind",
			models:  map[string]string{"treaty": "all"},
			wantErr: `unknown subscription kind "treaty"`,
		},
		{
			name:    "unknown event",
			models:  map[string]string{"nation": "create,destroy"},
			wantErr: `unknown event "destroy"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SubscriptionsConfig{Models: tt.models}
			parsed, err := s.Parsed()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, parsed, 1)
			assert.Equal(t, []models.EventKind{models.EventCreate, models.EventUpdate}, parsed[0].Events)
		})
	}
}

func TestValidateRanges(t *testing.T) {
	cfg := Defaults()
	cfg.Upstream.APIKey = "k"
	cfg.Database.Database = "pnw"
	cfg.Database.User = "pnw"
	require.NoError(t, cfg.Validate())

	cfg.REST.PageSize = 501
	require.Error(t, cfg.Validate())
	cfg.REST.PageSize = 500

	cfg.Reconciler.CitiesDelaySeconds = -1
	require.Error(t, cfg.Validate())
	cfg.Reconciler.CitiesDelaySeconds = 0

	cfg.Logging.Level = "LOUD"
	require.Error(t, cfg.Validate())
}
