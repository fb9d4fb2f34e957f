package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesID(t *testing.T) {
	e := New("ping", "", nil)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, ProtocolVersion, e.V)
	assert.Equal(t, "ping", e.Type)
}

func TestNewPreservesID(t *testing.T) {
	e := New("pong", "req-123", nil)
	assert.Equal(t, "req-123", e.ID)
}

func TestDecodeRoundTrip(t *testing.T) {
	type payload struct {
		Kind   string `json:"kind"`
		Prompt string `json:"prompt"`
	}
	e := New("task_run", "r1", payload{Kind: "echo", Prompt: "hi"})

	raw, err := Marshal(e)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "r1", decoded.ID)

	var p payload
	require.NoError(t, decoded.Decode(&p))
	assert.Equal(t, "echo", p.Kind)
	assert.Equal(t, "hi", p.Prompt)
}

func TestErrorPreservesID(t *testing.T) {
	e := Error("req-9", "bad json")
	assert.Equal(t, "req-9", e.ID)
	assert.Equal(t, "error", e.Type)

	var p map[string]string
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, "bad json", p["message"])
}
