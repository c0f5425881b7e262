package push

import (
	"context"
	"sync"

	"nhooyr.io/websocket"
)

type pipeMessage struct {
	typ  websocket.MessageType
	data []byte
}

type pipeEnd struct {
	in     <-chan pipeMessage
	out    chan<- pipeMessage
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-memory Conns. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan pipeMessage, 64)
	ba := make(chan pipeMessage, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, closed: closed, once: once},
		&pipeEnd{in: ab, out: ba, closed: closed, once: once}
}

func (p *pipeEnd) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case m := <-p.in:
		return m.typ, m.data, nil
	case <-p.closed:
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (p *pipeEnd) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	select {
	case <-p.closed:
		return websocket.CloseError{Code: websocket.StatusNormalClosure}
	default:
	}
	select {
	case p.out <- pipeMessage{typ: typ, data: append([]byte(nil), data...)}:
		return nil
	case <-p.closed:
		return websocket.CloseError{Code: websocket.StatusNormalClosure}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close(websocket.StatusCode, string) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
