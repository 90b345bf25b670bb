package rest

import (
	"context"

	"github.com/ValentinKolb/dShard/lib/gateway"
)

// SessionStartLimit is the identify budget returned with the gateway bot info
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayBot is the response of GET /gateway/bot
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// IRestClient defines the REST operations the cluster layer consumes.
// Per-route rate limiting is the responsibility of the implementation.
type IRestClient interface {
	// FetchGatewayBot returns the recommended shard count, the gateway url
	// and the identify concurrency of the application
	FetchGatewayBot(ctx context.Context) (*GatewayBot, error)

	// FetchApplicationCommands returns the global commands of an application
	FetchApplicationCommands(ctx context.Context, applicationID string) ([]gateway.ApplicationCommand, error)

	// BulkOverwriteApplicationCommands replaces the global commands of an
	// application and returns the persisted set
	BulkOverwriteApplicationCommands(ctx context.Context, applicationID string, commands []gateway.ApplicationCommand) ([]gateway.ApplicationCommand, error)
}
