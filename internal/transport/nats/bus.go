package nats

import (
	"context"

	"github.com/nats-io/nats.go"
)

type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// Publish is fire-and-forget; the context is unused since core NATS does
// not block on publish.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	return b.nc.Publish(topic, data)
}
