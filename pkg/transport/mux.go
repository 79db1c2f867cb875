package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/privchat/privchat-sdk/config"
	"github.com/privchat/privchat-sdk/pkg/errors"
	"github.com/privchat/privchat-sdk/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ConnectionState 连接状态
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// 连续错过该次数的心跳即判定连接失效
const maxHeartbeatMisses = 3

// Mux 连接多路复用器
// 负责接入点选择、心跳保活与断线重连；上层通过SetHandler收取入站帧
type Mux struct {
	endpoints         []config.ServerEndpoint
	connectTimeout    time.Duration
	heartbeatInterval time.Duration

	mu       sync.Mutex
	state    ConnectionState
	conn     frameConn
	gen      uint64 // 连接代数，旧连接的循环退出时比对
	closed   bool   // 显式断开后不再重连
	reconnecting bool

	misses int32 // 心跳未应答计数

	handler      atomic.Value // func(Frame)
	stateCbMu    sync.Mutex
	stateCbs     []func(ConnectionState)
	nextPingID   uint64
}

// NewMux 创建连接多路复用器
func NewMux(endpoints []config.ServerEndpoint, connectTimeout, heartbeatInterval time.Duration) *Mux {
	return &Mux{
		endpoints:         endpoints,
		connectTimeout:    connectTimeout,
		heartbeatInterval: heartbeatInterval,
		state:             StateDisconnected,
	}
}

// SetHandler 设置入站帧处理器（心跳帧除外）
func (m *Mux) SetHandler(h func(Frame)) {
	m.handler.Store(h)
}

// OnStateChange 注册状态变化回调
func (m *Mux) OnStateChange(cb func(ConnectionState)) {
	m.stateCbMu.Lock()
	m.stateCbs = append(m.stateCbs, cb)
	m.stateCbMu.Unlock()
}

// State 当前连接状态
func (m *Mux) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mux) setState(s ConnectionState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.stateCbMu.Lock()
	cbs := append([]func(ConnectionState){}, m.stateCbs...)
	m.stateCbMu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

// Connect 建立连接
// 按顺序尝试接入点，每个接入点受connectTimeout约束
func (m *Mux) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.closed = false
	m.mu.Unlock()

	m.setState(StateConnecting)
	if err := m.connectOnce(ctx); err != nil {
		m.setState(StateDisconnected)
		return err
	}
	return nil
}

// connectOnce 依次尝试全部接入点，第一个可达者胜出
func (m *Mux) connectOnce(ctx context.Context) error {
	var lastErr error
	for _, ep := range m.endpoints {
		attemptCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		conn, err := dial(attemptCtx, ep)
		cancel()
		if err != nil {
			logger.Warn("接入点连接失败",
				zap.String("protocol", string(ep.Protocol)),
				zap.String("host", ep.Host),
				zap.Uint16("port", ep.Port),
				zap.Error(err))
			lastErr = err
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.gen++
		gen := m.gen
		m.mu.Unlock()
		atomic.StoreInt32(&m.misses, 0)

		go m.readLoop(conn, gen)
		go m.heartbeatLoop(conn, gen)

		m.setState(StateConnected)
		logger.Info("连接已建立",
			zap.String("protocol", string(ep.Protocol)),
			zap.String("host", ep.Host),
			zap.Uint16("port", ep.Port))
		return nil
	}
	if lastErr == nil {
		return errors.New(errors.KindNetwork, "no endpoints configured")
	}
	return errors.NetworkWrap("all endpoints unreachable", lastErr)
}

// Send 发送一帧
// 未连接时返回 Disconnected；写失败触发重连
func (m *Mux) Send(f Frame) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return errors.Disconnected()
	}
	conn := m.conn
	gen := m.gen
	m.mu.Unlock()

	if err := conn.WriteFrame(f); err != nil {
		m.connFailed(gen)
		return errors.NetworkWrap("write frame", err)
	}
	return nil
}

// readLoop 读取入站帧
// 任何入站帧都证明链路存活，重置心跳计数
func (m *Mux) readLoop(conn frameConn, gen uint64) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			m.connFailed(gen)
			return
		}
		atomic.StoreInt32(&m.misses, 0)

		switch f.Route {
		case RoutePong:
			continue
		case RoutePing:
			_ = conn.WriteFrame(Frame{Route: RoutePong})
			continue
		}

		if h, ok := m.handler.Load().(func(Frame)); ok && h != nil {
			h(f)
		}
	}
}

// heartbeatLoop 周期发送心跳
func (m *Mux) heartbeatLoop(conn frameConn, gen uint64) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		stale := gen != m.gen || m.state != StateConnected
		m.mu.Unlock()
		if stale {
			return
		}

		if atomic.AddInt32(&m.misses, 1) > maxHeartbeatMisses {
			logger.Warn("心跳连续超时，判定连接失效")
			m.connFailed(gen)
			return
		}
		_ = conn.WriteFrame(Frame{
			ID:    atomic.AddUint64(&m.nextPingID, 1),
			Route: RoutePing,
		})
	}
}

// connFailed 连接失效处理
// 显式断开时不重连，否则进入重连循环
func (m *Mux) connFailed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	closed := m.closed
	alreadyReconnecting := m.reconnecting
	if !closed {
		m.reconnecting = true
	}
	m.mu.Unlock()

	if closed {
		m.setState(StateDisconnected)
		return
	}
	m.setState(StateReconnecting)
	if !alreadyReconnecting {
		go m.reconnectLoop()
	}
}

// reconnectLoop 指数退避重连：基数1s，上限60s，含抖动
func (m *Mux) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	for {
		wait := bo.NextBackOff()
		time.Sleep(wait)

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		logger.Info("尝试重连", zap.Duration("backoff", wait))
		if err := m.connectOnce(context.Background()); err == nil {
			return
		}
	}
}

// Disconnect 显式断开
// 取消在途发送；持久化的发送任务保留在队列中
func (m *Mux) Disconnect() {
	m.mu.Lock()
	m.closed = true
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	m.mu.Unlock()
	m.setState(StateDisconnected)
}
