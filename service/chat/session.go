package chat

import (
	"strings"
	"sync/atomic"
	"time"

	"PPChat/tools/errs"
)

type DeviceType string

const (
	DeviceWeb     DeviceType = "web"
	DeviceIOS     DeviceType = "ios"
	DeviceAndroid DeviceType = "android"
	DeviceDesktop DeviceType = "desktop"
)

func ParseDeviceType(s string) (DeviceType, error) {
	switch DeviceType(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceWeb:
		return DeviceWeb, nil
	case DeviceIOS:
		return DeviceIOS, nil
	case DeviceAndroid:
		return DeviceAndroid, nil
	case DeviceDesktop:
		return DeviceDesktop, nil
	}
	return "", errs.ErrArgs.WrapMsg("unknown device type", "deviceType", s)
}

// Conn 一条底层连接。Push 只入发送队列，不等待写完成。
type Conn interface {
	ID() string
	RemoteAddr() string
	Push(data []byte) error
	Close() error
}

// Session 一条已握手的连接；注册表是它的唯一持有者
type Session struct {
	Conn        Conn
	UserID      string
	DeviceID    string
	DeviceType  DeviceType
	ConnectedAt time.Time

	lastActive atomic.Int64 // unix nano
}

func (s *Session) LastActiveAt() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

// Send 编码后推入该连接的发送队列
func (s *Session) Send(p *Packet) error {
	data, err := p.Encode()
	if err != nil {
		return errs.WrapMsg(err, "encode packet", "type", p.Type.String())
	}
	return s.Conn.Push(data)
}
