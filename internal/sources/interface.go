package sources

import (
	"context"

	"github.com/azure/brand-mentions-bot/internal/models"
)

// Poller is an adapter that fetches a finite batch of candidates per cycle
type Poller interface {
	GetName() string
	IsEnabled() bool
	FetchMentions(ctx context.Context) ([]models.Mention, error)
}

// Acknowledger is implemented by pollers that track how far they have read.
// After each cycle the caller hands back the candidates it failed to store;
// progress only moves past listings whose candidates were all stored.
type Acknowledger interface {
	Acknowledge(failed []models.Mention)
}

// Streamer is an adapter that holds a long-lived connection and pushes
// candidates as they arrive. Stream returns when the connection ends.
type Streamer interface {
	GetName() string
	IsEnabled() bool
	Stream(ctx context.Context, emit func(models.Mention)) error
}
