// Package notify implements the real-time notification delivery core for Pulse.
//
// # Features
//
//   - Authenticated WebSocket upgrade with JWT bearer tokens
//   - Per-identity connection registry (one live connection per identity,
//     last writer wins)
//   - Fixed-window per-identity rate limiting at handshake and per message
//   - Heartbeat probing with forced eviction after two missed cycles
//   - Independent idle sweep for live-but-silent connections
//   - Token expiry warning and in-band token refresh
//   - Graceful shutdown with bounded drain and forced termination
//   - Typed lifecycle events and a pluggable Metrics interface
//
// # Basic Usage
//
// Create a manager and mount the upgrade endpoint:
//
//	verifier := auth.NewVerifier(secret)
//	mgr, err := notify.NewManager(verifier, log,
//	    notify.WithMaxConnections(10000),
//	    notify.WithHeartbeatInterval(30*time.Second),
//	    notify.WithRateLimit(time.Minute, 100),
//	)
//	if err != nil {
//	    log.Fatal("manager init failed", zap.Error(err))
//	}
//	mgr.Run()
//
//	r.GET("/ws", func(c *gin.Context) {
//	    _ = mgr.HandleUpgrade(c.Writer, c.Request)
//	})
//
// Push from the REST layer through the Notifier interface:
//
//	var n notify.Notifier = mgr
//	delivered := n.SendToUser("user-42", notify.NewNotification(
//	    "Shipment update", "Your shipment has left the warehouse", nil,
//	    notify.PriorityNormal))
//
// Delivery is best effort: a true return means the message was queued on a
// live local connection, not that the client received it.
//
// # Shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	_ = mgr.Shutdown(ctx)
package notify
