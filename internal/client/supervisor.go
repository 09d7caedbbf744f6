package client

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nanomq/internal/protocol"
)

// superviseLoop is the reconnect/health loop (C8): it watches for the
// connection dropping and, after the resulting disconnect is observed,
// redials at the configured interval until a connection is reestablished,
// then replays every queue the caller had subscribed to (§4.7 — the
// client keeps the peerId minted in New, but the broker starts every new
// socket as a fresh session with no subscriptions, so the client
// resubscribes on the caller's behalf).
func (c *Client) superviseLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReconnectInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.Connected() {
				continue
			}
			c.reconnect()
		}
	}
}

func (c *Client) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReconnectInterval())
	defer cancel()

	if err := c.dialAndHandshake(ctx); err != nil {
		c.log.Debug("reconnect attempt failed", "addr", c.addr, "error", err)
		return
	}

	c.mu.Lock()
	toResubscribe := make([]string, 0, len(c.subs))
	for q := range c.subs {
		toResubscribe = append(toResubscribe, q)
	}
	c.mu.Unlock()

	for _, q := range toResubscribe {
		cmd := protocol.NewControlCommand(protocol.Subscribe, c.peerID, uuid.New(), q)
		if err := c.sendAndAwaitAck(cmd); err != nil {
			c.log.Warn("failed to resubscribe after reconnect", "queue", q, "error", err)
		}
	}

	c.events.fireReconnect()
}
