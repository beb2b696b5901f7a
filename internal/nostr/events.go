package nostr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/buildtall-systems/vendorder/internal/notify"
	"github.com/nbd-wtf/go-nostr"
)

// KindCommandPending is an ephemeral event kind: relays forward it to live subscribers
// without storing it.
const KindCommandPending = 20100

// BuildCommandEvent creates an unsigned "command pending" event. Machines subscribe
// with a filter on the m tag.
func BuildCommandEvent(pubkey string, ev notify.CommandEvent) (*nostr.Event, error) {
	content, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding command event: %w", err)
	}

	return &nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      KindCommandPending,
		Tags: nostr.Tags{
			{"m", ev.MachineID},
			{"command", ev.CommandID},
			{"order", ev.OrderID},
			{"t", ev.Type},
		},
		Content: string(content),
	}, nil
}

// Publisher sends signed events to relays.
type Publisher interface {
	Publish(ctx context.Context, event *nostr.Event) error
}

// Notifier announces commands as signed Nostr events.
type Notifier struct {
	publisher Publisher
	secretKey string
	pubkey    string
}

// NewNotifier derives the service's public key from its hex secret key.
func NewNotifier(publisher Publisher, secretKeyHex string) (*Notifier, error) {
	pubkey, err := nostr.GetPublicKey(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	return &Notifier{publisher: publisher, secretKey: secretKeyHex, pubkey: pubkey}, nil
}

func (n *Notifier) NotifyCommand(ctx context.Context, ev notify.CommandEvent) error {
	event, err := BuildCommandEvent(n.pubkey, ev)
	if err != nil {
		return err
	}
	if err := event.Sign(n.secretKey); err != nil {
		return fmt.Errorf("signing command event: %w", err)
	}
	return n.publisher.Publish(ctx, event)
}
