package repository

import "context"

type MessageBus interface {
	Publish(ctx context.Context, topic string, data []byte) error
}
