package config

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/privchat/privchat-sdk/pkg/errors"
)

// TransportProtocol 传输协议
type TransportProtocol string

const (
	ProtocolTcp       TransportProtocol = "tcp"
	ProtocolWebSocket TransportProtocol = "websocket"
	ProtocolQuic      TransportProtocol = "quic"
)

// ServerEndpoint 服务端接入点
type ServerEndpoint struct {
	Protocol TransportProtocol `yaml:"protocol"` // 传输协议
	Host     string            `yaml:"host"`     // 主机
	Port     uint16            `yaml:"port"`     // 端口
	Path     string            `yaml:"path"`     // 路径（仅WebSocket）
	UseTLS   bool              `yaml:"useTls"`   // 是否TLS
}

// ParseServerURL 解析服务端URL
// 支持 quic://host:port、wss://host:port/path、ws://host:port、tcp://host:port
func ParseServerURL(raw string) (ServerEndpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ServerEndpoint{}, errors.InvalidParameter("url", "invalid server url: "+raw)
	}

	var endpoint ServerEndpoint
	switch u.Scheme {
	case "quic":
		endpoint.Protocol = ProtocolQuic
		endpoint.UseTLS = true
	case "wss":
		endpoint.Protocol = ProtocolWebSocket
		endpoint.UseTLS = true
	case "ws":
		endpoint.Protocol = ProtocolWebSocket
		endpoint.UseTLS = false
	case "tcp":
		endpoint.Protocol = ProtocolTcp
		endpoint.UseTLS = false
	default:
		return ServerEndpoint{}, errors.InvalidParameter("url", "unsupported scheme: "+u.Scheme)
	}

	endpoint.Host = u.Hostname()
	if endpoint.Host == "" {
		return ServerEndpoint{}, errors.InvalidParameter("url", "missing host: "+raw)
	}

	portStr := u.Port()
	if portStr == "" {
		return ServerEndpoint{}, errors.InvalidParameter("url", "missing port: "+raw)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return ServerEndpoint{}, errors.InvalidParameter("url", "invalid port: "+portStr)
	}
	endpoint.Port = uint16(port)
	endpoint.Path = u.Path

	return endpoint, nil
}

// ParseServerURLList 解析逗号分隔的URL列表
func ParseServerURLList(raw string) ([]ServerEndpoint, error) {
	parts := strings.Split(raw, ",")
	endpoints := make([]ServerEndpoint, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		ep, err := ParseServerURL(p)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, errors.InvalidParameter("url", "empty endpoint list")
	}
	return endpoints, nil
}
