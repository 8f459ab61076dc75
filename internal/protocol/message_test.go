// ABOUTME: Tests for agent frame decoding and envelope construction.
// ABOUTME: Covers required fields, the success default and job envelope shape.

package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("register", func(t *testing.T) {
		msg, err := Decode([]byte(`{"action":"register","node_name":"edge-1"}`))
		require.NoError(t, err)
		assert.Equal(t, ActionRegister, msg.Action)
		assert.Equal(t, "edge-1", msg.NodeName)
	})

	t.Run("result without success defaults to true", func(t *testing.T) {
		msg, err := Decode([]byte(`{"action":"result","job_id":"j1","output":"4 packets"}`))
		require.NoError(t, err)
		assert.True(t, msg.Succeeded())
		assert.Equal(t, "4 packets", msg.Output)
	})

	t.Run("result with explicit failure", func(t *testing.T) {
		msg, err := Decode([]byte(`{"action":"result","job_id":"j1","success":false}`))
		require.NoError(t, err)
		assert.False(t, msg.Succeeded())
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Decode([]byte(`{not json`))
		require.Error(t, err)
	})

	t.Run("missing action", func(t *testing.T) {
		_, err := Decode([]byte(`{"node_name":"edge-1"}`))
		assert.True(t, errors.Is(err, ErrMissingAction))
	})

	t.Run("register without node name", func(t *testing.T) {
		_, err := Decode([]byte(`{"action":"register"}`))
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("result without job id", func(t *testing.T) {
		_, err := Decode([]byte(`{"action":"result","output":"x"}`))
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("unknown action passes through", func(t *testing.T) {
		msg, err := Decode([]byte(`{"action":"status"}`))
		require.NoError(t, err)
		assert.Equal(t, "status", msg.Action)
	})
}

func TestNewJobOmitsAbsentPort(t *testing.T) {
	data, err := json.Marshal(NewJob("j1", "ping", "8.8.8.8", nil, map[string]any{"target": "8.8.8.8"}))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "job", raw["action"])
	assert.Equal(t, "ping", raw["job_type"])
	assert.NotContains(t, raw, "port")
	assert.NotContains(t, raw, "output")
}

func TestNewJobCarriesPort(t *testing.T) {
	port := 443
	data, err := json.Marshal(NewJob("j1", JobTypePortCheck, "example.com", &port, nil))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"port":443`)
}

func TestRegisteredAck(t *testing.T) {
	assert.Equal(t, "Node edge-1 registered successfully!", RegisteredAck("edge-1").Message)
}
