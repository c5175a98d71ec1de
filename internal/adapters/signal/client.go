package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const sendBuffer = 32

// Client is the websocket end of the signaling channel. Incoming envelopes
// are delivered on Inbox; outgoing ones go through TrySend, which drops
// with ErrBackpressure instead of blocking the caller.
type Client struct {
	conn  *websocket.Conn
	send  chan Envelope
	inbox chan Envelope

	mu     sync.RWMutex
	closed bool
}

func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:  conn,
		send:  make(chan Envelope, sendBuffer),
		inbox: make(chan Envelope, sendBuffer),
	}
	go c.writePump(ctx)
	go c.readPump(ctx)
	log.Info().Str("module", "signal").Str("url", url).Msg("signaling connected")
	return c, nil
}

func (c *Client) Inbox() <-chan Envelope {
	return c.inbox
}

func (c *Client) TrySend(e Envelope) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- e:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case e, ok := <-c.send:
			if !ok {
				return
			}
			data, err := e.Encode()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("encode envelope")
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.Close()
		close(c.inbox)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		e, err := DecodeEnvelope(data)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad envelope")
			continue
		}
		select {
		case c.inbox <- e:
		default:
			log.Warn().Str("module", "signal").Str("type", string(e.Type)).Msg("inbox full, dropping")
		}
	}
}
