// ABOUTME: Tests for the probe agent's canned job replies
// ABOUTME: Covers the tool switch including port_check without a port

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/probeops/probeops-gateway/internal/protocol"
)

func TestCannedOutput(t *testing.T) {
	out, ok := cannedOutput(&protocol.Message{JobType: "ping", Target: "8.8.8.8"})
	assert.True(t, ok)
	assert.Contains(t, out, "4 packets transmitted")

	_, ok = cannedOutput(&protocol.Message{JobType: protocol.JobTypePortCheck, Target: "example.com"})
	assert.False(t, ok)

	port := 22
	out, ok = cannedOutput(&protocol.Message{JobType: protocol.JobTypePortCheck, Target: "example.com", Port: &port})
	assert.True(t, ok)
	assert.Contains(t, out, "Port 22 open")

	out, ok = cannedOutput(&protocol.Message{JobType: "nmap", Target: "example.com", Params: map[string]any{"ports": "22,80"}})
	assert.True(t, ok)
	assert.Contains(t, out, "22,80")

	_, ok = cannedOutput(&protocol.Message{JobType: "telnet"})
	assert.False(t, ok)
}
