package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vn-execution-go/infrastructure/logger"
)

// wsStream 订单推送的websocket连接：连接、订阅、读取并解码
type wsStream struct {
	broker      string
	url         string
	dialer      *websocket.Dialer
	readTimeout time.Duration
	logger      *logger.Logger

	// header 返回握手头（带认证）
	header func(ctx context.Context) (http.Header, error)
	// subscribe 返回连接后发送的订阅消息，可为nil
	subscribe func(ctx context.Context) (interface{}, error)
	// decode 解析一条消息；ok=false表示非订单消息
	decode func(msg []byte) (report StatusReport, ok bool, err error)
}

func (s *wsStream) run(ctx context.Context, out chan<- StatusReport) error {
	if s.url == "" {
		return fmt.Errorf("%s stream url not configured", s.broker)
	}
	dialer := s.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	var header http.Header
	if s.header != nil {
		h, err := s.header(ctx)
		if err != nil {
			return err
		}
		header = h
	}

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return TransientError(s.broker, "stream_dial", err)
	}
	defer conn.Close()

	if s.subscribe != nil {
		msg, err := s.subscribe(ctx)
		if err != nil {
			return err
		}
		if msg != nil {
			if err := conn.WriteJSON(msg); err != nil {
				return TransientError(s.broker, "stream_subscribe", err)
			}
		}
	}

	// ctx取消时关闭连接以解除ReadMessage阻塞
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	timeout := s.readTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return TransientError(s.broker, "stream_read", err)
		}
		report, ok, err := s.decode(message)
		if err != nil {
			if s.logger != nil {
				s.logger.LogError(err, map[string]interface{}{"broker": s.broker, "op": "stream_decode"})
			}
			continue
		}
		if !ok {
			continue
		}
		report.Broker = s.broker
		select {
		case out <- report:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
