package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGitHub struct {
	mu    sync.Mutex
	calls []string
	body  map[string]any
}

func (f *fakeGitHub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/shop/deployments":
			data, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			_ = json.Unmarshal(data, &f.body)
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": 42, "ref": "main", "environment": "staging", "url": "https://api.example/deployments/42"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/shop/deployments/42/statuses":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": 1, "state": "inactive"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/repos/acme/shop/deployments/42":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message": "Not Found"}`))
		}
	}
}

func newTestTarget(t *testing.T, h http.Handler) *DeploymentTarget {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	target, err := NewDeploymentTarget(context.Background(), config.DeploymentConfig{
		Owner:       "acme",
		Repo:        "shop",
		Token:       config.Secret("ghp_test"),
		BaseURL:     srv.URL,
		Environment: "staging",
	})
	require.NoError(t, err)
	return target
}

func TestDeployment_CreateUndo(t *testing.T) {
	ctx := context.Background()
	gh := &fakeGitHub{}
	target := newTestTarget(t, gh.handler(t))

	req, err := DecodeRequest("deployment", map[string]any{"operation": "deploy", "ref": "main", "description": "release"})
	require.NoError(t, err)
	cmd, err := NewFactory(".", WithDeploymentTarget(target)).NewCommand(req)
	require.NoError(t, err)

	res, err := cmd.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res["deployment_id"])
	assert.Equal(t, "staging", gh.body["environment"])
	assert.Equal(t, false, gh.body["auto_merge"])

	_, err = cmd.Undo(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /repos/acme/shop/deployments",
		"POST /repos/acme/shop/deployments/42/statuses",
		"DELETE /repos/acme/shop/deployments/42",
	}, gh.calls)
}

func TestDeployment_APIErrors(t *testing.T) {
	target := newTestTarget(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "No ref found for: nope"}`))
	}))

	req, err := DecodeRequest("deployment", map[string]any{"ref": "nope"})
	require.NoError(t, err)
	cmd, err := NewFactory(".", WithDeploymentTarget(target)).NewCommand(req)
	require.NoError(t, err)

	_, err = cmd.Execute(context.Background())
	var ie *errs.IntegrationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, errs.StageExecute, ie.Stage)
}

func TestDeployment_NoTarget(t *testing.T) {
	req, err := DecodeRequest("deployment", map[string]any{"ref": "main"})
	require.NoError(t, err)
	cmd, err := NewFactory(".").NewCommand(req)
	require.NoError(t, err)

	_, err = cmd.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no deployment target")
}

func TestNewDeploymentTarget_Validation(t *testing.T) {
	_, err := NewDeploymentTarget(context.Background(), config.DeploymentConfig{Owner: "a", Repo: "b"})
	assert.Error(t, err)
	_, err = NewDeploymentTarget(context.Background(), config.DeploymentConfig{Token: config.Secret("t")})
	assert.Error(t, err)
}
