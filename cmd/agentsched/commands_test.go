package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - id: acct-1/demo\n    intervalMs: 1000\n"), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"check-config", "--config", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "ok: store=redis sharding=jump/account agents=1")
}

func TestCheckConfigRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxConcurrent: 3\n"), 0o600))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"check-config", "-c", path})
	require.Error(t, root.Execute())
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pod_id":"pod-a"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, fetchStatus(context.Background(), &out, srv.URL, "tok"))
	assert.Contains(t, out.String(), `"pod_id": "pod-a"`)

	err := fetchStatus(context.Background(), &out, srv.URL, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}
