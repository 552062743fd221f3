package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valkey-io/valkey-go"

	"github.com/swiftreplies/wabroker/core/config"
)

const valkeyPublishTimeout = 2 * time.Second

// relayEnvelope wraps hub events for the cross-instance channel so each
// instance can skip its own publications.
type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// ValkeyRelay mirrors hub events across broker instances through pub/sub.
// Optional: single-instance deployments run without it.
type ValkeyRelay struct {
	client   valkey.Client
	channel  string
	serverID string
	hub      *Hub
}

func NewValkeyRelay(cfg config.ValkeyConfig, hub *Hub) (*ValkeyRelay, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	r := &ValkeyRelay{
		client:   client,
		channel:  cfg.KeyPrefix + "events",
		serverID: cfg.ServerID,
		hub:      hub,
	}
	hub.SetRelay(r.publish)
	return r, nil
}

func (r *ValkeyRelay) publish(e Event) {
	payload, err := json.Marshal(relayEnvelope{Origin: r.serverID, Event: e})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), valkeyPublishTimeout)
	defer cancel()
	cmd := r.client.B().Publish().Channel(r.channel).Message(string(payload)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		logrus.WithError(err).Warn("[HUB] Valkey relay publish failed")
	}
}

// Run subscribes to the relay channel and feeds remote events into the hub
// until ctx ends.
func (r *ValkeyRelay) Run(ctx context.Context) {
	defer r.client.Close()

	err := r.client.Receive(ctx, r.client.B().Subscribe().Channel(r.channel).Build(),
		func(msg valkey.PubSubMessage) {
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Message), &env); err != nil {
				logrus.WithError(err).Warn("[HUB] Unparseable relay payload")
				return
			}
			if env.Origin == r.serverID {
				return
			}
			r.hub.PublishRemote(env.Event)
		})
	if err != nil && ctx.Err() == nil {
		logrus.WithError(err).Error("[HUB] Valkey relay subscription ended")
	}
}
