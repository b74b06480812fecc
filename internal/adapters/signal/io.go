package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(Ping()); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("keepalive skipped")
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.fail(err)
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.fail(err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer close(c.in)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
				c.fail(err)
			}
			return
		}
		m, err := decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad json")
			continue
		}
		if m.Type == TypePong {
			continue
		}
		select {
		case c.in <- m:
		case <-c.done:
			return
		}
	}
}
