package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Tapestry/internal/domain"
)

// AttemptPublisher — публикация попыток в брокер (реализует mq.Publisher).
type AttemptPublisher interface {
	PublishAttemptReady(ctx context.Context, req domain.AttemptRequest) error
	PublishAttemptCancel(ctx context.Context, attemptID uuid.UUID, reason string) error
}

// MQClient отправляет попытки воркерам через RabbitMQ.
//
// Статус попыток воркеры присылают сами (attempt.completed), поэтому
// Poll всегда отвечает pending: итог приходит через ReportAttemptStatus.
type MQClient struct {
	publisher AttemptPublisher
}

var _ Client = (*MQClient)(nil)

// NewMQClient создаёт MQClient.
func NewMQClient(publisher AttemptPublisher) *MQClient {
	return &MQClient{publisher: publisher}
}

// Dispatch публикует attempt.ready.
func (c *MQClient) Dispatch(ctx context.Context, req domain.AttemptRequest) (string, error) {
	if err := c.publisher.PublishAttemptReady(ctx, req); err != nil {
		return "", fmt.Errorf("publish attempt: %w", err)
	}
	return req.AttemptID.String(), nil
}

// Poll всегда возвращает pending.
func (c *MQClient) Poll(ctx context.Context, _ string) (PollResult, error) {
	if err := ctx.Err(); err != nil {
		return PollResult{}, err
	}
	return PollResult{State: StatePending}, nil
}

// Cancel рассылает attempt.cancel всем воркерам.
func (c *MQClient) Cancel(ctx context.Context, handle string) error {
	id, err := uuid.Parse(handle)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return c.publisher.PublishAttemptCancel(ctx, id, "killed")
}
