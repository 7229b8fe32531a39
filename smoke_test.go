package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfchat/backend/internal/config"
	"pdfchat/backend/internal/testutils"
)

const smokePort = 18081

func smokeConfig(t *testing.T, s *testutils.IntegrationSuite) *config.Config {
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
		NSQDHost:               s.NSQDAddr,
		JobLeaseDuration:       time.Minute,
		JobLeaseRenew:          30 * time.Second,
		JobRetention:           time.Hour,
		VectorBackend:          config.BackendQdrant,
		QdrantURL:              s.QdrantURL,
		VectorCollection:       "DocumentChunk",
		VectorDimension:        3,
		VectorMetric:           "cosine",
		EmbeddingProvider:      config.ProviderOpenAI,
		CompletionProvider:     config.ProviderOpenAI,
		ChunkSize:              500,
		ChunkOverlap:           100,
		PageBatchSize:          5,
		IndexBatchSize:         2,
		RetrievalTopK:          2,
		ServerPort:             smokePort,
		UploadDir:              t.TempDir(),
		MaxUploadSizeMB:        1,
		EnableAPI:              true,
		BootstrapRetryAttempts: 3,
	}
}

func TestSmoke_Startup(t *testing.T) {
	// 1. Start Infrastructure
	suite := testutils.NewIntegrationSuite(t).WithPostgres().WithQdrant().WithNSQ()
	defer suite.Teardown()

	// 2. Configure App to use Infrastructure. The worker needs lookupd, so
	// only the API role runs here.
	cfg := smokeConfig(t, suite)

	// 3. Run App in Background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, cfg); err != nil {
			t.Logf("app run exited: %v", err)
		}
	}()

	base := fmt.Sprintf("http://localhost:%d", smokePort)

	// 4. Wait for Health Check
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 500*time.Millisecond)

	// 5. Nothing indexed yet
	resp, err := http.Get(base + "/check-data")
	require.NoError(t, err)
	var check struct {
		Data map[string]bool `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	resp.Body.Close()
	assert.False(t, check.Data["hasData"])

	// 6. Upload is accepted and queued
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("pdf", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("smoke test content"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp, err = http.Post(base+"/upload/pdf", writer.FormDataContentType(), body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var uploaded struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	resp.Body.Close()
	jobID := uploaded.Data["jobId"]
	require.NotEmpty(t, jobID)

	// 7. The job is visible to pollers
	resp, err = http.Get(base + "/job-status/" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "waiting", status.Data["state"])
}
