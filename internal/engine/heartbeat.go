package engine

import (
	"context"
	"time"

	"github.com/luciancaetano/kephasstream"
	"github.com/luciancaetano/kephasstream/internal/protocol"
)

// heartbeatLoop pings a silent peer once and closes the connection when the
// silence outlasts the timeout. The loop itself never writes, so a peer that
// stops reading cannot hold it past the timeout.
func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.Heartbeat.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		idle := c.idle()
		switch {
		case idle > c.cfg.Heartbeat.Timeout:
			c.logger.Info().Dur("idle", idle).Msg("heartbeat timeout")
			c.shutdown(kephasstream.CloseReasonTimeout, c.cfg.Heartbeat.Tick)
			return
		case idle > c.cfg.Heartbeat.Idle && c.pingOutstanding.CompareAndSwap(false, true):
			token := c.pingToken.Add(1)
			c.wg.Go(func() { c.ping(token) })
		}
	}
}

// ping writes PING with a deadline at the moment the silence would time out.
// A failed ping leaves the outcome to the timeout.
func (c *Connection) ping(token uint64) {
	ctx, cancel := context.WithDeadline(c.ctx, c.timeoutAt())
	defer cancel()
	if err := c.write(ctx, protocol.NewMessage(kephasstream.CmdPing, token)); err != nil {
		c.logger.Debug().Err(err).Msg("ping failed")
	}
}

// timeoutAt is when the current silence reaches the heartbeat timeout.
func (c *Connection) timeoutAt() time.Time {
	return c.epoch.Add(time.Duration(c.lastContact.Load()) + c.cfg.Heartbeat.Timeout)
}
