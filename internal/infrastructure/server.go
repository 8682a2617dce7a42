package infrastructure

import "context"

// Server is anything App runs: Start blocks until the server stops or ctx is
// cancelled, Stop asks it to shut down.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
