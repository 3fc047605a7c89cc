package ollama

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"chatrelay/internal/models"
	"chatrelay/internal/provider"
)

func TestPullModelReportsProgress(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/pull", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "qwen2.5:7b", gjson.GetBytes(body, "model").String())
		assert.Equal(t, "qwen2.5:7b", gjson.GetBytes(body, "name").String())
		assert.True(t, gjson.GetBytes(body, "stream").Bool())

		_, _ = io.WriteString(w, `{"status":"pulling manifest"}`+"\n"+
			`{"status":"downloading","digest":"sha256:abc","total":100,"completed":40}`+"\n"+
			"not json\n"+
			`{"status":"success"}`+"\n")
	})

	var got []models.PullProgress
	err := p.PullModel(context.Background(), "qwen2.5:7b", func(pp models.PullProgress) error {
		got = append(got, pp)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []models.PullProgress{
		{Status: "pulling manifest"},
		{Status: "downloading", Digest: "sha256:abc", Total: 100, Completed: 40},
		{Status: "success"},
	}, got)
}

func TestPullModelStopsOnBackendError(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"pulling manifest"}`+"\n"+
			`{"error":"pull model manifest: file does not exist"}`+"\n"+
			`{"status":"success"}`+"\n")
	})

	calls := 0
	err := p.PullModel(context.Background(), "nope", func(models.PullProgress) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, provider.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "file does not exist")
	assert.Equal(t, 1, calls)
}

func TestPullModelStopsOnCallbackError(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"a"}`+"\n"+`{"status":"b"}`+"\n")
	})

	gone := errors.New("client gone")
	err := p.PullModel(context.Background(), "m", func(models.PullProgress) error { return gone })
	assert.ErrorIs(t, err, gone)
}

func TestDeleteModel(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/delete", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "model").String() != "gemma3:4b" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"model not found"}`)
		}
	})

	require.NoError(t, p.DeleteModel(context.Background(), "gemma3:4b"))
	assert.ErrorIs(t, p.DeleteModel(context.Background(), "ghost"), provider.ErrModelNotFound)
}

func TestDeleteModelBackendFailure(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := p.DeleteModel(context.Background(), "gemma3:4b")
	require.ErrorIs(t, err, provider.ErrProviderUnavailable)
	assert.NotErrorIs(t, err, provider.ErrModelNotFound)
}
