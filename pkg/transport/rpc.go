package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/privchat/privchat-sdk/pkg/errors"
	"github.com/privchat/privchat-sdk/pkg/logger"

	"go.uber.org/zap"
)

// PushHandler 服务端推送处理器
type PushHandler func(data json.RawMessage)

// RpcClient 在Mux之上提供请求/应答与推送分发
// 请求按ID关联应答；无匹配ID的入站帧按路由分发给推送处理器
type RpcClient struct {
	mux            *Mux
	requestTimeout time.Duration

	nextID  uint64
	pending sync.Map // id -> chan Frame

	routeMu  sync.RWMutex
	handlers map[string]PushHandler
}

// NewRpcClient 创建RPC客户端
func NewRpcClient(mux *Mux, requestTimeout time.Duration) *RpcClient {
	c := &RpcClient{
		mux:            mux,
		requestTimeout: requestTimeout,
		handlers:       make(map[string]PushHandler),
	}
	mux.SetHandler(c.onFrame)
	mux.OnStateChange(func(s ConnectionState) {
		if s == StateDisconnected || s == StateReconnecting {
			c.failPending()
		}
	})
	return c
}

// HandlePush 注册推送路由处理器
func (c *RpcClient) HandlePush(route string, h PushHandler) {
	c.routeMu.Lock()
	c.handlers[route] = h
	c.routeMu.Unlock()
}

// Call 请求/应答调用
// 无截止时间的ctx套用默认请求超时；非零code转为Network错误（认证路由转为Authentication）
func (c *RpcClient) Call(ctx context.Context, route string, req interface{}, out interface{}) error {
	if c.mux.State() != StateConnected {
		return errors.Disconnected()
	}

	var data json.RawMessage
	if req != nil {
		body, err := json.Marshal(req)
		if err != nil {
			return errors.Wrap(errors.KindGeneric, "encode request", err)
		}
		data = body
	}

	timeoutSecs := uint64(c.requestTimeout / time.Second)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	id := atomic.AddUint64(&c.nextID, 1)
	respCh := make(chan Frame, 1)
	c.pending.Store(id, respCh)
	defer c.pending.Delete(id)

	if err := c.mux.Send(Frame{ID: id, Route: route, Data: data}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Timeout(timeoutSecs)
		}
		return errors.Disconnected()
	case resp, ok := <-respCh:
		if !ok {
			return errors.Disconnected()
		}
		if resp.Code != 0 {
			if strings.HasPrefix(route, "auth.") {
				return errors.Authentication(resp.Message)
			}
			return errors.Network(resp.Code, resp.Message)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return errors.Wrap(errors.KindGeneric, "decode response", err)
			}
		}
		return nil
	}
}

// onFrame 入站帧分发
func (c *RpcClient) onFrame(f Frame) {
	if f.ID != 0 {
		// LoadAndDelete保证应答通道只被一方持有，避免与failPending竞争
		if ch, ok := c.pending.LoadAndDelete(f.ID); ok {
			ch.(chan Frame) <- f
			return
		}
	}

	c.routeMu.RLock()
	h := c.handlers[f.Route]
	c.routeMu.RUnlock()
	if h != nil {
		h(f.Data)
		return
	}
	if f.Route != "" {
		logger.Debug("未注册的推送路由", zap.String("route", f.Route))
	}
}

// failPending 连接丢失时使全部在途请求失败
func (c *RpcClient) failPending() {
	c.pending.Range(func(key, value interface{}) bool {
		if ch, ok := c.pending.LoadAndDelete(key); ok {
			close(ch.(chan Frame))
		}
		return true
	})
}
