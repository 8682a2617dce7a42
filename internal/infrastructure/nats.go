package infrastructure

import (
	"github.com/nats-io/nats.go"
)

// connectNats dials the bus. A non-empty token authenticates the connection;
// which subjects it may publish is up to the server's permissions.
func connectNats(url, token string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("slidecredit"),
		nats.MaxReconnects(-1),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	return nc, nil
}
