package nostr

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// RelayPublisher holds connections to a set of Nostr relays and publishes to all of them.
type RelayPublisher struct {
	relayURLs []string
	relays    []*nostr.Relay
	mu        sync.RWMutex
	logger    *zap.Logger
}

func NewRelayPublisher(relayURLs []string, logger *zap.Logger) *RelayPublisher {
	return &RelayPublisher{
		relayURLs: relayURLs,
		logger:    logger,
	}
}

// Connect dials every configured relay. It fails only if none is reachable.
func (rp *RelayPublisher) Connect(ctx context.Context) error {
	var connected int
	for _, url := range rp.relayURLs {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			rp.logger.Warn("relay connect failed", zap.String("relay", url), zap.Error(err))
			continue
		}

		rp.mu.Lock()
		rp.relays = append(rp.relays, relay)
		rp.mu.Unlock()

		connected++
		rp.logger.Info("connected to relay", zap.String("relay", url))
	}

	if connected == 0 {
		return fmt.Errorf("failed to connect to any relays")
	}

	rp.logger.Info("relays connected", zap.Int("connected", connected), zap.Int("configured", len(rp.relayURLs)))
	return nil
}

// Publish sends an event to all connected relays. A relay that dropped its connection
// is redialed once before giving up on it.
func (rp *RelayPublisher) Publish(ctx context.Context, event *nostr.Event) error {
	rp.mu.RLock()
	relays := make([]*nostr.Relay, len(rp.relays))
	copy(relays, rp.relays)
	rp.mu.RUnlock()

	var lastErr error
	var published int

	for _, relay := range relays {
		if !relay.IsConnected() {
			if err := relay.Connect(ctx); err != nil {
				lastErr = err
				rp.logger.Warn("relay reconnect failed", zap.String("relay", relay.URL), zap.Error(err))
				continue
			}
		}

		if err := relay.Publish(ctx, *event); err != nil {
			lastErr = err
			rp.logger.Warn("publish failed", zap.String("relay", relay.URL), zap.Error(err))
			continue
		}
		published++
	}

	if published == 0 {
		return fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}

	rp.logger.Debug("event published", zap.String("event_id", event.ID), zap.Int("relays", published))
	return nil
}

// Close shuts down all relay connections.
func (rp *RelayPublisher) Close() {
	rp.mu.Lock()
	for _, relay := range rp.relays {
		_ = relay.Close()
	}
	rp.relays = nil
	rp.mu.Unlock()

	rp.logger.Info("relay publisher closed")
}
