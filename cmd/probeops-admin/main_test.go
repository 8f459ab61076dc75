// ABOUTME: Tests for the admin CLI's HTTP client and command wiring
// ABOUTME: Runs commands against an httptest server standing in for the gateway

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeops/probeops-gateway/internal/gateway"
)

func TestAPIClient_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"no probe agent available"}`))
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL+"/", "tok", 0).do(t.Context(), "GET", "/nodes", nil, nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "no probe agent available", apiErr.Message)
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"record_type=MX", "resolver=1.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"record_type": "MX", "resolver": "1.1.1.1"}, p)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
}

func TestRunCommand_SendsDiagnostic(t *testing.T) {
	var got gateway.DiagnosticRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/diagnostics/run", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(gateway.DiagnosticResponse{JobID: "j1", Tool: "port_check", Target: "example.com", Status: "success"})
	}))
	defer srv.Close()

	cmd := buildCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--url", srv.URL, "run", "port_check", "example.com", "--port", "443", "--param", "proto=tcp"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "port_check", got.Tool)
	assert.Equal(t, "example.com", got.Params["target"])
	assert.Equal(t, float64(443), got.Params["port"])
	assert.Equal(t, "tcp", got.Params["proto"])
}

func TestSchedulesCreate_RequiresFlags(t *testing.T) {
	cmd := buildCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--url", "http://127.0.0.1:1", "schedules", "create", "--name", "x"})
	assert.Error(t, cmd.Execute())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
