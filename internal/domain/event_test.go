package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "no delta is a message",
			event: Event{Author: "user"},
			want:  EventTypeMessage,
		},
		{
			name:  "empty delta is a message",
			event: Event{Actions: EventActions{StateDelta: Delta{}}},
			want:  EventTypeMessage,
		},
		{
			name:  "non-empty delta is a state change",
			event: Event{Actions: EventActions{StateDelta: Delta{"k": StringValue("v")}}},
			want:  EventTypeStateChange,
		},
		{
			name:  "temp-only delta still classifies as state change",
			event: Event{Actions: EventActions{StateDelta: Delta{"temp:k": StringValue("v")}}},
			want:  EventTypeStateChange,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.event.Type())
		})
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := Event{
		ID:           "evt-1",
		InvocationID: "inv-1",
		Author:       "assistant",
		Content:      json.RawMessage(`{"text":"hello"}`),
		Actions: EventActions{
			StateDelta: Delta{"topic": StringValue("greetings")},
		},
	}

	data, err := json.Marshal(&in)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Author, out.Author)
	assert.JSONEq(t, string(in.Content), string(out.Content))
	assert.True(t, in.Actions.StateDelta["topic"].Equal(out.Actions.StateDelta["topic"]))
}
