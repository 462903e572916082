package index_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/registry-jobs/internal/index"
	"github.com/scarson/registry-jobs/internal/job"
)

func envWithClient(t *testing.T, indexURL string, client *http.Client) *job.Environment {
	t.Helper()
	env, err := job.NewEnvironment(job.EnvironmentConfig{
		IndexURL:   indexURL,
		HTTPClient: client,
		UserAgent:  "registry-jobs-test",
	})
	require.NoError(t, err)
	return env
}

func TestBuildClient_AllowPrivateReachesIndexOnNonDefaultPort(t *testing.T) {
	t.Parallel()
	srv, got := newIndexServer(t, http.StatusNoContent)
	indexURL := srv.URL + "/api/" // loopback on an ephemeral port

	client, err := index.BuildClient(indexURL, 5*time.Second, true)
	require.NoError(t, err)

	data, err := json.Marshal(index.SyncToIndex{Crate: "serde", Version: "1.0.0", Checksum: "abc123"})
	require.NoError(t, err)
	require.NoError(t, newRegistry().Perform(context.Background(),
		envWithClient(t, indexURL, client), nil, index.TypeSyncToIndex, data))

	req := <-got
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/api/crates/serde/1.0.0", req.path)
}

func TestBuildClient_DefaultBlocksLoopback(t *testing.T) {
	t.Parallel()
	srv, got := newIndexServer(t, http.StatusNoContent)
	indexURL := srv.URL + "/api/"

	client, err := index.BuildClient(indexURL, 5*time.Second, false)
	require.NoError(t, err)

	data, err := json.Marshal(index.SyncYanked{Crate: "serde", Version: "1.0.0", Yanked: true})
	require.NoError(t, err)
	err = newRegistry().Perform(context.Background(),
		envWithClient(t, indexURL, client), nil, index.TypeSyncYanked, data)
	require.Error(t, err)
	assert.Empty(t, got, "request must not reach a loopback index without INDEX_ALLOW_PRIVATE")
}

func TestBuildClient_DoesNotFollowRedirects(t *testing.T) {
	t.Parallel()
	client, err := index.BuildClient("http://index.internal:8081/api/", time.Second, true)
	require.NoError(t, err)
	require.NotNil(t, client.CheckRedirect)
	assert.ErrorIs(t, client.CheckRedirect(nil, nil), http.ErrUseLastResponse)
	assert.Equal(t, time.Second, client.Timeout)
}

func TestBuildClient_RejectsBadURL(t *testing.T) {
	t.Parallel()
	for name, raw := range map[string]string{
		"bad port":   "http://index.internal:99999/api/",
		"bad scheme": "ftp://index.internal/api/",
		"unparsable": "http://[::1",
	} {
		_, err := index.BuildClient(raw, time.Second, false)
		assert.Error(t, err, name)
	}
}
