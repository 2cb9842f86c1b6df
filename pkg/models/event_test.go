package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType_Terminal(t *testing.T) {
	tests := []struct {
		eventType EventType
		terminal  bool
	}{
		{EventSessionStart, false},
		{EventPreTool, false},
		{EventPostTool, false},
		{EventMessage, false},
		{EventRunFailed, false},
		{EventSessionStop, true},
		{EventResult, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.eventType.Terminal())
		})
	}
}

func TestEvent_ExitCode(t *testing.T) {
	t.Run("decoded JSON number", func(t *testing.T) {
		var payload JSONMap
		require.NoError(t, json.Unmarshal([]byte(`{"exit_code": 3}`), &payload))

		code, ok := (&Event{Payload: payload}).ExitCode()
		assert.True(t, ok)
		assert.Equal(t, 3, code)
	})

	t.Run("native int", func(t *testing.T) {
		code, ok := (&Event{Payload: JSONMap{"exit_code": 0}}).ExitCode()
		assert.True(t, ok)
		assert.Equal(t, 0, code)
	})

	t.Run("missing", func(t *testing.T) {
		_, ok := (&Event{Payload: JSONMap{"reason": "shutdown"}}).ExitCode()
		assert.False(t, ok)
	})

	t.Run("nil payload", func(t *testing.T) {
		_, ok := (&Event{}).ExitCode()
		assert.False(t, ok)
	})
}

func TestEvent_MessageText(t *testing.T) {
	t.Run("plain string content", func(t *testing.T) {
		e := &Event{Payload: JSONMap{"role": "assistant", "content": "Hi"}}
		assert.Equal(t, "Hi", e.MessageText())
		assert.Equal(t, "assistant", e.MessageRole())
	})

	t.Run("block list content", func(t *testing.T) {
		var payload JSONMap
		raw := `{"role":"assistant","content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}`
		require.NoError(t, json.Unmarshal([]byte(raw), &payload))

		e := &Event{Payload: payload}
		assert.Equal(t, "Hello world", e.MessageText())
	})

	t.Run("non-text blocks skipped", func(t *testing.T) {
		var payload JSONMap
		raw := `{"content":[{"type":"image","url":"x"},{"type":"text","text":"caption"}]}`
		require.NoError(t, json.Unmarshal([]byte(raw), &payload))

		assert.Equal(t, "caption", (&Event{Payload: payload}).MessageText())
	})
}

func TestSessionStatus_Terminal(t *testing.T) {
	assert.False(t, SessionStatusPending.Terminal())
	assert.False(t, SessionStatusRunning.Terminal())
	assert.True(t, SessionStatusFinished.Terminal())
	assert.True(t, SessionStatusFailed.Terminal())
	assert.True(t, SessionStatusStopped.Terminal())
}

func TestStringList_ContainsAll(t *testing.T) {
	tags := StringList{"gpu", "linux", "east"}
	assert.True(t, tags.ContainsAll(nil))
	assert.True(t, tags.ContainsAll([]string{"gpu"}))
	assert.True(t, tags.ContainsAll([]string{"linux", "east"}))
	assert.False(t, tags.ContainsAll([]string{"linux", "west"}))
}
