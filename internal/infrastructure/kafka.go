package infrastructure

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// checkKafka dials the first reachable broker so a bad broker list fails at
// startup rather than on the first publish.
func checkKafka(brokers []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return lastErr
}
