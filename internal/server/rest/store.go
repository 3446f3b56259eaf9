package rest

import (
	"context"

	"github.com/tripwire/console/internal/config"
	"github.com/tripwire/console/internal/console"
	"github.com/tripwire/console/internal/server/storage"
)

// Console is the subset of *console.Console used by the handlers.
type Console interface {
	Monitors() []config.Monitor
	CreateSession(actor string) (string, error)
	CloseSession(ctx context.Context, id, actor string) error
	Sessions() []console.SessionStatus
	Status(id string) (console.SessionStatus, error)
	Endpoint(id string) (string, bool, error)
	SelectEndpoint(ctx context.Context, id string, sel console.Selection, actor string) (string, error)
	ClearEndpoint(ctx context.Context, id, actor string) error
	StartListening(id, actor string) error
	StopListening(id, actor string) error
	IsListening(id string) (bool, error)
	Refresh(ctx context.Context, id string) error
	Health() console.HealthStatus
}

// Store is the subset of storage.Store used by the history handler. It lets
// handlers be tested without a live PostgreSQL connection.
type Store interface {
	RecentEvents(ctx context.Context, q storage.EventQuery) ([]storage.DeliveredEvent, error)
}
