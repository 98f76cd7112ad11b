package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"PPChat/logger"
	"PPChat/tools/errs"
)

// wsConn Conn 的 websocket 实现。写全部交给 writePump，Push 只入队。
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	writeWait    time.Duration
	pingInterval time.Duration
}

func newWSConn(id string, ws *websocket.Conn, queue int, writeWait, pingInterval time.Duration) *wsConn {
	if queue <= 0 {
		queue = 256
	}
	return &wsConn{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
		writeWait:    writeWait,
		pingInterval: pingInterval,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Push 非阻塞：已关闭返回 ErrConnClosed，队列满返回 ErrSendBufferFull
func (c *wsConn) Push(data []byte) error {
	select {
	case <-c.done:
		return errs.ErrConnClosed.WrapMsg("", "conn", c.id)
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errs.ErrConnClosed.WrapMsg("", "conn", c.id)
	default:
		return errs.ErrSendBufferFull.WrapMsg("", "conn", c.id)
	}
}

// Close 可重复调用；真正的 socket 关闭由 writePump 在写完剩余帧后完成
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) write(mt int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(mt, data)
}

// writePump 唯一的写协程：发送队列 + 定时 ping；done 之后把队列剩余帧（如 KICK）写完再发 Close
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.exited)
	}()
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				logger.Debugf("[WS] write failed conn=%s err=%v", c.id, err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				logger.Debugf("[WS] ping failed conn=%s err=%v", c.id, err)
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
