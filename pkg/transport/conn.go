package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/privchat/privchat-sdk/config"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
)

// frameConn 一条已建立的连接
// 实现按协议分裂：TCP/QUIC用长度前缀流，WebSocket用原生消息帧
type frameConn interface {
	WriteFrame(f Frame) error
	ReadFrame() (Frame, error)
	Close() error
}

// dial 按接入点协议建立连接
func dial(ctx context.Context, ep config.ServerEndpoint) (frameConn, error) {
	switch ep.Protocol {
	case config.ProtocolTcp:
		return dialTCP(ctx, ep)
	case config.ProtocolWebSocket:
		return dialWS(ctx, ep)
	case config.ProtocolQuic:
		return dialQUIC(ctx, ep)
	default:
		return nil, fmt.Errorf("unknown protocol: %s", ep.Protocol)
	}
}

// --- TCP ---

type tcpConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func dialTCP(ctx context.Context, ep config.ServerEndpoint) (frameConn, error) {
	d := net.Dialer{}
	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpConn{conn: conn}, nil
}

func (c *tcpConn) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrameTo(c.conn, f)
}

func (c *tcpConn) ReadFrame() (Frame, error) {
	return readFrameFrom(c.conn)
}

func (c *tcpConn) Close() error { return c.conn.Close() }

// --- WebSocket ---

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func dialWS(ctx context.Context, ep config.ServerEndpoint) (frameConn, error) {
	scheme := "ws"
	if ep.UseTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", ep.Host, ep.Port),
		Path:   ep.Path,
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, body)
}

func (c *wsConn) ReadFrame() (Frame, error) {
	_, body, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (c *wsConn) Close() error { return c.conn.Close() }

// --- QUIC ---

type quicConn struct {
	conn    quic.Connection
	stream  quic.Stream
	writeMu sync.Mutex
}

func dialQUIC(ctx context.Context, ep config.ServerEndpoint) (frameConn, error) {
	tlsConf := &tls.Config{
		NextProtos: []string{"privchat"},
		ServerName: ep.Host,
	}
	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (c *quicConn) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrameTo(c.stream, f)
}

func (c *quicConn) ReadFrame() (Frame, error) {
	return readFrameFrom(c.stream)
}

func (c *quicConn) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}
