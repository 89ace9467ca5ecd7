package ws

import (
	"encoding/json"
	"time"

	"github.com/dkeye/tradingroom/internal/core"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

type outbound struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Status  string `json:"status,omitempty"`
}

func (c *Client) writePump(wc *wsConn) {
	for data := range wc.send {
		if err := wc.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.logger.Error().Err(err).Msg("writePump set deadline")
			_ = wc.conn.Close()
			return
		}
		if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Warn().Err(err).Msg("writePump write error")
			_ = wc.conn.Close()
			return
		}
	}
}

func (c *Client) readPump(wc *wsConn) {
	defer c.onClose(wc)
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("readPump read error")
			} else {
				c.logger.Debug().Err(err).Msg("readPump closed")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) pingLoop(wc *wsConn) {
	if c.opts.PingPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-wc.ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendJSON(wc, outbound{Type: core.MsgPing}); err != nil {
				c.logger.Debug().Err(err).Msg("ping not sent")
			}
		}
	}
}

// dispatch decodes one inbound frame and fans it out. Nothing here may
// panic into the read loop.
func (c *Client) dispatch(data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("bad json, dropped")
		return
	}

	switch env.Type {
	case core.MsgEvent:
		if !c.dedup.ShouldDeliver(env.EventID) {
			c.logger.Debug().Str("channel", env.Channel).Str("event_id", env.EventID).Msg("duplicate event suppressed")
			return
		}
		c.deliver(env)
	case core.MsgPresence:
		c.deliver(env)
	case core.MsgError:
		c.logger.Warn().Str("code", env.Code).Str("message", env.Message).Msg("server error")
		if env.Channel != "" {
			c.deliver(env)
		}
	case core.MsgPong, core.MsgSubscribed, core.MsgUnsubscribed, core.MsgSystem:
		c.logger.Debug().Str("type", env.Type).Str("channel", env.Channel).Msg("control message")
	default:
		c.logger.Warn().Str("type", env.Type).Msg("unknown message type")
	}
}

func (c *Client) deliver(env core.Envelope) {
	c.mu.Lock()
	set := c.subs[env.Channel]
	handlers := make([]core.Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.safeCall(h, env)
	}
}

func (c *Client) safeCall(h core.Handler, env core.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("channel", env.Channel).Str("event", env.Event).Msg("handler panicked")
		}
	}()
	h(env)
}

func (c *Client) sendJSON(wc *wsConn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("sendJSON marshal")
		return err
	}
	return wc.TrySend(b)
}
