package transport

import (
	"encoding/binary"
	"encoding/json"
	"io"
)

// Frame 线上帧
// 统一信封：code为0表示成功；ID为0的入站帧是服务端推送
type Frame struct {
	ID      uint64          `json:"id,omitempty"`
	Route   string          `json:"route,omitempty"`
	Code    int32           `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// 心跳路由
const (
	RoutePing = "heartbeat.ping"
	RoutePong = "heartbeat.pong"
)

// 服务端推送路由
const (
	RouteMessagePush  = "message.push"
	RouteReceiptPush  = "receipt.push"
	RouteTypingPush   = "typing.push"
	RoutePresencePush = "presence.push"
	RouteSyncNotice   = "sync.notice"
)

// 单帧上限，防御异常长度前缀
const maxFrameSize = 16 << 20

// writeFrameTo 长度前缀(4字节大端)+JSON帧体
// 用于TCP与QUIC流
func writeFrameTo(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrameFrom 读取一帧
func readFrameFrom(r io.Reader) (Frame, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size == 0 || size > maxFrameSize {
		return Frame{}, io.ErrUnexpectedEOF
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
