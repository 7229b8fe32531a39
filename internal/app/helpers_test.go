package app_test

import (
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"pdfchat/backend/internal/config"
	"pdfchat/backend/internal/testutils"
)

// integrationConfig points a config at the suite's Postgres.
func integrationConfig(t *testing.T, s *testutils.IntegrationSuite) *config.Config {
	t.Helper()
	u, err := url.Parse(s.DSN)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	pass, _ := u.User.Password()

	return &config.Config{
		DBHost:                 u.Hostname(),
		DBPort:                 port,
		DBUser:                 u.User.Username(),
		DBPass:                 pass,
		DBName:                 u.Path[1:],
		MigrationPath:          testutils.MigrationsPath(),
		VectorCollection:       "DocumentChunk",
		VectorDimension:        3,
		EmbeddingProvider:      config.ProviderOpenAI,
		CompletionProvider:     config.ProviderOpenAI,
		NSQDHost:               "localhost:4150",
		BootstrapRetryAttempts: 1,
	}
}
