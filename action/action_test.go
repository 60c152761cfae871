package action

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/definition"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	reg.Register("noop", RunnerFunc(func(ctx context.Context, cfg *definition.ActionConfig, bindings map[string]any) (*Result, error) {
		return &Result{Output: map[string]any{"ok": true}}, nil
	}))

	runner, ok := reg.Get("noop")
	require.True(t, ok)
	res, err := runner.Run(context.Background(), &definition.ActionConfig{Type: "noop"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["ok"])

	_, ok = reg.Get("missing")
	assert.False(t, ok)
	assert.Contains(t, reg.Types(), "noop")
}

func TestError(t *testing.T) {
	err := Errorf(CodeTimeout, "took %ds", 30)
	assert.Equal(t, "timeout: took 30s", err.Error())
	assert.Equal(t, CodeTimeout, err.Code)
}

func TestWebhookRunner(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 7}`))
	}))
	defer srv.Close()

	runner := NewWebhookRunner(srv.Client())
	res, err := runner.Run(context.Background(), &definition.ActionConfig{
		Type: "webhook",
		Params: map[string]any{
			"url":     srv.URL,
			"method":  "PUT",
			"headers": map[string]any{"X-Token": "abc"},
			"body":    map[string]any{"hello": "world"},
		},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "PUT", gotMethod)
	assert.Equal(t, "abc", gotHeader)
	assert.Equal(t, 200, res.Output["status_code"])
	assert.Equal(t, map[string]any{"id": 7.0}, res.Output["body"])
}

func TestWebhookRunner_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	runner := NewWebhookRunner(srv.Client())

	_, err := runner.Run(context.Background(), &definition.ActionConfig{
		Type: "webhook", Params: map[string]any{"url": srv.URL},
	}, nil)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeHTTP5xx, aerr.Code)

	_, err = runner.Run(context.Background(), &definition.ActionConfig{
		Type: "webhook", Params: map[string]any{},
	}, nil)
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeBadConfig, aerr.Code)
}
