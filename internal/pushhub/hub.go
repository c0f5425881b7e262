// Package pushhub holds the live push sessions of this relay instance and
// serves their invocations.
package pushhub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/push"
	"nhooyr.io/websocket"
)

type session struct {
	conn      push.Conn
	principal contracts.Principal
}

// group is every session of one principal. A principal may hold several
// connections at once.
type group struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
	dead     bool
}

// Hub is the session registry. It implements relay.Notifier for sessions
// connected to this instance.
type Hub struct {
	dispatcher   Dispatcher
	logger       *slog.Logger
	writeTimeout time.Duration
	callTimeout  time.Duration
	maxInFlight  int

	groups sync.Map // Principal.Key() -> *group
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithWriteTimeout bounds each frame written to a session.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.writeTimeout = d
	}
}

// WithCallTimeout bounds each dispatched invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.callTimeout = d
	}
}

// WithMaxInFlight bounds the invocations one session may run at once.
// Further frames are not read until a slot frees up.
func WithMaxInFlight(n int) Option {
	return func(h *Hub) {
		h.maxInFlight = n
	}
}

// New creates a Hub dispatching invocations to d.
func New(d Dispatcher, opts ...Option) *Hub {
	h := &Hub{
		dispatcher:   d,
		logger:       slog.Default(),
		writeTimeout: 10 * time.Second,
		callTimeout:  2 * time.Minute,
		maxInFlight:  16,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.maxInFlight < 1 {
		h.maxInFlight = 1
	}
	return h
}

// Serve runs one session until the connection ends or ctx is cancelled.
// In-flight invocations finish before Serve returns.
func (h *Hub) Serve(ctx context.Context, conn push.Conn, p contracts.Principal) error {
	s := &session{conn: conn, principal: p}
	h.add(s)
	defer h.remove(s)

	logger := h.logger.With("tenant", p.TenantID, "role", string(p.Role), "roleId", p.RoleID)
	logger.Info("push session opened")
	defer logger.Info("push session closed")

	var wg sync.WaitGroup
	defer wg.Wait()
	slots := make(chan struct{}, h.maxInFlight)

	for {
		f, err := push.ReadFrame(ctx, conn)
		if err != nil {
			if isNormalClose(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if f.Type != push.FrameInvoke {
			logger.Debug("ignoring frame", "type", f.Type)
			continue
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		wg.Add(1)
		go func(f push.Frame) {
			defer wg.Done()
			defer func() { <-slots }()
			h.invoke(ctx, s, f, logger)
		}(f)
	}
}

func (h *Hub) invoke(ctx context.Context, s *session, f push.Frame, logger *slog.Logger) {
	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	reply := push.Frame{Type: push.FrameResult, ID: f.ID}
	result, err := h.dispatcher.Dispatch(callCtx, s.principal, f.Method, f.Params)
	if err != nil {
		reply.Error = ToRPCError(err)
		level := slog.LevelWarn
		if reply.Error.Code == push.CodeInternal {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "invocation failed", "method", f.Method, "code", reply.Error.Code, "error", err)
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			reply.Error = ToRPCError(err)
		} else {
			reply.Result = raw
		}
	}

	if err := h.write(ctx, s, reply); err != nil {
		logger.Debug("result not delivered", "method", f.Method, "error", err)
	}
}

func (h *Hub) write(ctx context.Context, s *session, f push.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return push.WriteFrame(ctx, s.conn, f)
}

// NotifyNewMessage sends a NewMessage event to every session of the
// principal addressed by sessionKey. Unknown keys are ignored.
func (h *Hub) NotifyNewMessage(ctx context.Context, sessionKey, receiptID string) error {
	v, ok := h.groups.Load(sessionKey)
	if !ok {
		return nil
	}
	g := v.(*group)
	g.mu.Lock()
	targets := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		targets = append(targets, s)
	}
	g.mu.Unlock()

	params, err := json.Marshal(push.NewMessageParams{ReceiptID: receiptID})
	if err != nil {
		return err
	}
	ev := push.Frame{Type: push.FrameEvent, Method: push.EventNewMessage, Params: params}

	var errs []error
	for _, s := range targets {
		if err := h.write(ctx, s, ev); err != nil {
			h.logger.Warn("NewMessage not delivered", "session", sessionKey, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// Connected reports whether the principal has at least one live session here.
func (h *Hub) Connected(sessionKey string) bool {
	v, ok := h.groups.Load(sessionKey)
	if !ok {
		return false
	}
	g := v.(*group)
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions) > 0
}

// Sessions returns the number of live sessions.
func (h *Hub) Sessions() int {
	n := 0
	h.groups.Range(func(_, v any) bool {
		g := v.(*group)
		g.mu.Lock()
		n += len(g.sessions)
		g.mu.Unlock()
		return true
	})
	return n
}

func (h *Hub) add(s *session) {
	key := s.principal.Key()
	for {
		v, _ := h.groups.LoadOrStore(key, &group{sessions: make(map[*session]struct{})})
		g := v.(*group)
		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		g.sessions[s] = struct{}{}
		g.mu.Unlock()
		return
	}
}

func (h *Hub) remove(s *session) {
	key := s.principal.Key()
	v, ok := h.groups.Load(key)
	if !ok {
		return
	}
	g := v.(*group)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, s)
	if len(g.sessions) == 0 {
		g.dead = true
		h.groups.Delete(key)
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
