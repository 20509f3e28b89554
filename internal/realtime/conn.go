package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"ecolift/internal/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// wsChannel adapts a websocket connection to Channel. Frames are queued and
// written by a single writer goroutine so a slow peer never blocks a sender.
type wsChannel struct {
	conn         *websocket.Conn
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *log.Logger
}

func newWSChannel(conn *websocket.Conn, buffer int, writeTimeout time.Duration, logger *log.Logger) *wsChannel {
	c := &wsChannel{
		conn:         conn,
		out:          make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
	go c.writeLoop()
	return c
}

func (c *wsChannel) Send(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *wsChannel) Ping() error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close flushes frames already queued, sends a close frame and releases the
// connection. Safe to call more than once.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsChannel) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case b := <-c.out:
			if err := c.write(b); err != nil {
				c.logger.Debug("Websocket write failed", zap.Error(err))
				c.closeOnce.Do(func() { close(c.done) })
				return
			}
		case <-c.done:
			c.drain()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout))
			return
		}
	}
}

func (c *wsChannel) drain() {
	for {
		select {
		case b := <-c.out:
			if err := c.write(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsChannel) write(b []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
