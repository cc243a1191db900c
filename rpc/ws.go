package rpc

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tendermint/tendermint/libs/log"
)

const metricsPushInterval = 1 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The RPC surface is operator-facing, same trust model as the
	// JSON-RPC endpoints.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MetricsStreamHandler upgrades to a websocket and pushes the full metric
// set as JSON once per interval until the client goes away.
func MetricsStreamHandler(logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		// Drain control frames so pings and the close handshake work.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(metricsPushInterval)
		defer ticker.Stop()

		for range ticker.C {
			if err := conn.WriteJSON(env.MetricSet.Snapshot()); err != nil {
				logger.Debug("metrics stream closed", "err", err)
				return
			}
		}
	}
}
