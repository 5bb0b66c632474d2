package mapsync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

// Socket is one open connection to the sync server for one map.
type Socket interface {
	// queues a binary frame. Returns `ErrClosed` once the socket is closed.
	Send(message []byte) error
	// blocks until the next binary frame. Called from a single goroutine.
	Receive() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// a control ping is sent this often. The pong extends the read deadline.
	PingTimeout time.Duration
	ReadTimeout time.Duration
	Header      http.Header
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingTimeout:        10 * time.Second,
		ReadTimeout:        30 * time.Second,
	}
}

type WsDialer struct {
	settings *TransportSettings
}

func NewWsDialerWithDefaults() *WsDialer {
	return NewWsDialer(DefaultTransportSettings())
}

func NewWsDialer(settings *TransportSettings) *WsDialer {
	return &WsDialer{
		settings: settings,
	}
}

func (self *WsDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, self.settings.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWsSocket(ctx, ws, self.settings), nil
}

// WsSocket owns a websocket connection. Writes and pings run on one writer
// goroutine since the connection supports one concurrent writer.
type WsSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws   *websocket.Conn
	send chan []byte

	settings *TransportSettings
}

func NewWsSocket(ctx context.Context, ws *websocket.Conn, settings *TransportSettings) *WsSocket {
	cancelCtx, cancel := context.WithCancel(ctx)
	socket := &WsSocket{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		send:     make(chan []byte, TransportBufferSize),
		settings: settings,
	}

	ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return nil
	})

	go socket.run()
	return socket
}

func (self *WsSocket) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			self.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(self.settings.WriteTimeout),
			)
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[ws]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[ws]-> %d\n", len(message))
		case <-time.After(self.settings.PingTimeout):
			if err := self.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
				glog.Infof("[ws]ping error = %s\n", err)
				return
			}
		}
	}
}

func (self *WsSocket) Send(message []byte) error {
	if self.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case self.send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("send timeout after %s", self.settings.WriteTimeout)
	}
}

func (self *WsSocket) Receive() ([]byte, error) {
	for {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			closed := self.ctx.Err() != nil
			self.cancel()
			if closed {
				return nil, fmt.Errorf("%w: %w", ErrClosed, err)
			}
			return nil, err
		}
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		switch messageType {
		case websocket.BinaryMessage:
			glog.V(2).Infof("[ws]<- %d\n", len(message))
			return message, nil
		default:
			glog.V(2).Infof("[ws]<- other=%d\n", messageType)
		}
	}
}

func (self *WsSocket) Close() error {
	self.cancel()
	return nil
}

func (self *WsSocket) Done() <-chan struct{} {
	return self.ctx.Done()
}
