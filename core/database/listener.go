package database

import (
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/swiftreplies/wabroker/core/config"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
)

// NewChangeListener returns a Postgres LISTEN/NOTIFY listener for the given
// channel, or nil when the configured driver has no notification support
// (sqlite). Callers must treat a nil listener as "no external change feed".
func NewChangeListener(cfg *config.Config, channel string) (*pq.Listener, error) {
	if cfg.Database.Driver == "sqlite" {
		logrus.Debug("[DATABASE] Change notifications unavailable on sqlite")
		return nil, nil
	}

	listener := pq.NewListener(cfg.Database.DSN(), listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logrus.WithError(err).Warnf("[DATABASE] Listener event %d", ev)
			}
		})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, err
	}
	logrus.Infof("[DATABASE] Listening for notifications on channel %q", channel)
	return listener, nil
}
