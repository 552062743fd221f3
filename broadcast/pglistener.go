package broadcast

import (
	"context"
	"encoding/json"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// NotifyChannel is the Postgres NOTIFY channel dashboards and other writers
// use to reach every broker instance's hub.
const NotifyChannel = "wabroker_events"

// RunPGBridge pumps LISTEN/NOTIFY payloads into the hub until ctx ends.
// Payloads are full Event JSON objects; unparseable ones are logged and
// dropped. A nil listener (sqlite) returns immediately.
func RunPGBridge(ctx context.Context, listener *pq.Listener, hub *Hub) {
	if listener == nil {
		return
	}
	defer listener.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnect marker from lib/pq; nothing to deliver.
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(n.Extra), &e); err != nil {
				logrus.WithError(err).Warn("[HUB] Unparseable NOTIFY payload")
				continue
			}
			if e.Type == "" || e.TenantID == 0 {
				logrus.Warnf("[HUB] NOTIFY payload missing type or tenant: %q", n.Extra)
				continue
			}
			hub.PublishRemote(e)
		}
	}
}
