package events

import (
	"context"
	"fmt"
	"time"

	"github.com/obot-platform/scriptsmith/server/internal/logger"
	"github.com/obot-platform/scriptsmith/server/internal/model"
	"github.com/obot-platform/scriptsmith/server/internal/store"
)

// PollerConfig contains configuration for the event poller.
type PollerConfig struct {
	// PollInterval is how often to check for new events of a running episode.
	PollInterval time.Duration
}

// DefaultPollerConfig returns the default poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 250 * time.Millisecond,
	}
}

// Poller replays the persisted events of an episode and follows it until it
// finishes. It is how a client that did not start an episode (or that
// reconnected) catches up.
type Poller struct {
	store  *store.Store
	config PollerConfig
	log    *logger.Logger
}

// NewPoller creates a new event poller.
func NewPoller(s *store.Store, config PollerConfig, log *logger.Logger) *Poller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollerConfig().PollInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Poller{store: s, config: config, log: log}
}

// Follow calls send for every event of episodeID with seq > afterSeq, in
// order, until the episode has reached a terminal state and all of its
// events were sent. It returns store.ErrNotFound for an unknown episode and
// stops early if send fails or ctx is done.
func (p *Poller) Follow(ctx context.Context, episodeID string, afterSeq int64, send func(*Event) error) error {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		// Read the state before the events: events written before a
		// terminal state are then guaranteed to be in this batch.
		ep, err := p.store.GetEpisode(ctx, episodeID)
		if err != nil {
			return err
		}

		rows, err := p.store.ListEpisodeEvents(ctx, episodeID, afterSeq)
		if err != nil {
			return fmt.Errorf("failed to poll events: %w", err)
		}
		for i := range rows {
			if err := send(FromModel(&rows[i])); err != nil {
				return err
			}
			afterSeq = rows[i].Seq
		}

		if ep.State != model.EpisodeStateRunning {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
