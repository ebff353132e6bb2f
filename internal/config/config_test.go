// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Covers duration parsing and required-field errors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a temp config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helmdesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Complete(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/helmdesk.db"
  media_dir: "/tmp/helmdesk-media"
auth:
  jwt_secret: "sekrit"
  token_ttl: "8h"
connector:
  domain: "ext.chat"
  webhook_url: "https://hooks.example.net/outbound"
  shared_secret: "hook-secret"
claims:
  auto_release: "5m"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/helmdesk.db", cfg.Database.Path)
	assert.Equal(t, "ext.chat", cfg.Connector.Domain)
	assert.Equal(t, "https://hooks.example.net/outbound", cfg.Connector.WebhookURL)
	assert.Equal(t, "hook-secret", cfg.Connector.SharedSecret)
	assert.Equal(t, 5*time.Minute, cfg.Claims.AutoRelease)
	assert.Equal(t, 8*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("HELMDESK_TEST_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/helmdesk.db"
auth:
  jwt_secret: "${HELMDESK_TEST_SECRET}"
connector:
  domain: "ext.chat"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_AutoReleaseDisabled(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/helmdesk.db"
connector:
  domain: "ext.chat"
claims:
  auto_release: "0"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Claims.AutoRelease)
}

func TestLoad_TokenTTLDefault(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/helmdesk.db"
connector:
  domain: "ext.chat"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/helmdesk.db"
connector:
  domain: "ext.chat"
claims:
  auto_release: "five minutes"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_release")
}

func TestValidate_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "/tmp/helmdesk.db"
connector:
  domain: "ext.chat"
`,
			want: "server.http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "127.0.0.1:8080"
connector:
  domain: "ext.chat"
`,
			want: "database.path",
		},
		{
			name: "missing connector domain",
			content: `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/helmdesk.db"
`,
			want: "connector.domain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/helmdesk.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}
