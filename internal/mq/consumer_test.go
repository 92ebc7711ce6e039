package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{"handled", nil, Ack},
		{"transient", errors.New("store unavailable"), Requeue},
		{"malformed", fmt.Errorf("wrap: %w", ErrMalformed), DeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Settle(tt.err))
		})
	}
}

func TestConsumer_RoutesByMessageType(t *testing.T) {
	var beats []uuid.UUID
	c := NewConsumer(nil, ConsumerConfig{
		Queue: QueueAttemptsHeartbeat,
		Handlers: map[MessageType]Handler{
			MessageTypeAttemptHeartbeat: func(_ context.Context, msg *Message) error {
				p, err := ParsePayload[HeartbeatPayload](msg)
				if err != nil {
					return err
				}
				beats = append(beats, p.AttemptID)
				return nil
			},
		},
	})
	ctx := context.Background()

	id := uuid.New()
	body, err := json.Marshal(&Message{ID: "m1", Type: MessageTypeAttemptHeartbeat, Payload: HeartbeatPayload{AttemptID: id, WorkerID: "w"}})
	require.NoError(t, err)
	require.NoError(t, c.handle(ctx, body))
	assert.Equal(t, []uuid.UUID{id}, beats)

	// Чужой тип и битое тело уходят в DLQ
	other, err := json.Marshal(&Message{ID: "m2", Type: MessageTypeAttemptReady})
	require.NoError(t, err)
	assert.Equal(t, DeadLetter, Settle(c.handle(ctx, other)))
	assert.Equal(t, DeadLetter, Settle(c.handle(ctx, []byte("{"))))

	bad, err := json.Marshal(&Message{ID: "m3", Type: MessageTypeAttemptHeartbeat, Payload: map[string]any{"attempt_id": "x"}})
	require.NoError(t, err)
	assert.Equal(t, DeadLetter, Settle(c.handle(ctx, bad)))
}
