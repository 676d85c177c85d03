package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/techagentng/expertchat/config"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/models"
)

const maxFrameSize = 64 * 1024

// Client is a websocket connection. A read pump feeds the session; a write pump
// drains the buffered send queue and keeps the peer alive with pings.
type Client struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(ws *websocket.Conn, conf *config.Config) *Client {
	return &Client{
		id:         uuid.NewString(),
		ws:         ws,
		send:       make(chan []byte, conf.SendBufferSize),
		done:       make(chan struct{}),
		writeWait:  conf.WriteWait,
		pongWait:   conf.PongWait,
		pingPeriod: conf.PingPeriod(),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues event without blocking. A full queue means the peer is not keeping up,
// so the connection is stopped at once and torn down in the background; Send runs on
// other sessions' goroutines and must not wait on this peer's socket.
func (c *Client) Send(event models.Outbound) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errs.Connection(nil, "connection closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		log.Warn().Str("conn_id", c.id).Msg("send buffer full, closing connection")
		c.stop()
		go func() { _ = c.Close() }()
		return errs.Connection(nil, "send buffer full")
	}
}

// stop marks the client closed so later sends fail fast.
func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stop()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeWait))
		err = c.ws.Close()
	})
	return err
}

// Run serves the connection until the peer goes away or the client is closed.
func (c *Client) Run(ctx context.Context, session *Session) {
	go c.writePump()
	c.readPump(ctx, session)
}

func (c *Client) readPump(ctx context.Context, session *Session) {
	defer func() {
		session.Close()
		_ = c.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Info().Err(err).Str("conn_id", c.id).Msg("websocket closed unexpectedly")
			}
			return
		}
		session.Handle(ctx, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
