// Package runtime implements SessionRuntime: the transport-agnostic
// connect→handshake→dispatch loop shared by every transport, plus the
// keepalive and reaper timers and the broadcast fan-out used to push
// state-change notifications to authenticated sessions. See spec §4.7.
package runtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"filesremote/internal/config"
	"filesremote/internal/rpc"
	"filesremote/internal/session"
	"filesremote/internal/tokenstore"
)

const (
	keepaliveInterval = 30 * time.Second
	reaperInterval     = 60 * time.Second
	reaperIdleLimit    = 5 * time.Minute
)

// Dispatcher is the narrow capability the runtime needs from the request
// coordinator: resolve a method call onto a shell adapter and translate
// its outcome into a JSON-serializable result or a coded RPC error.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpc.Error)
}

// Transport is what a concrete listener (websocket, pipe) exposes so the
// runtime can start/stop it independent of the wire format.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
}

// Runtime owns the session registry, timers, and the receive/send loop
// logic. It is transport-agnostic: transports call Register when they
// accept a connection, HandleFrame for each received frame, and
// RunSendLoop to drain its send queue.
type Runtime struct {
	Config     *config.Config
	Tokens     *tokenstore.TokenStore
	Methods    *rpc.MethodRegistry
	Dispatcher Dispatcher
	Logger     *log.Logger

	transports []Transport

	mu       sync.RWMutex
	sessions map[string]*session.ClientSession

	rootCtx    context.Context
	rootCancel context.CancelFunc

	keepaliveTicker *time.Ticker
	reaperTicker    *time.Ticker
	timersDone      chan struct{}

	started bool
}

// New constructs a Runtime. Call AddTransport for each concrete
// listener before Start.
func New(cfg *config.Config, tokens *tokenstore.TokenStore, methods *rpc.MethodRegistry, dispatcher Dispatcher) *Runtime {
	return &Runtime{
		Config:     cfg,
		Tokens:     tokens,
		Methods:    methods,
		Dispatcher: dispatcher,
		Logger:     log.New(io.Discard, "", 0),
		sessions:   make(map[string]*session.ClientSession),
	}
}

// AddTransport registers a transport to be started/stopped with the
// runtime. Must be called before Start.
func (rt *Runtime) AddTransport(t Transport) {
	rt.transports = append(rt.transports, t)
}

// Start snapshots the current token/epoch, starts every registered
// transport, and arms the keepalive and reaper timers. If remote
// control is disabled, Start logs and returns without starting anything
// (spec §4.7: "if disabled, refuse (log and return)").
func (rt *Runtime) Start(ctx context.Context) error {
	if !rt.Tokens.IsEnabled() {
		rt.Logger.Printf("runtime: remote control is disabled, not starting")
		return nil
	}
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return nil
	}
	rt.started = true
	rt.rootCtx, rt.rootCancel = context.WithCancel(ctx)
	rt.mu.Unlock()

	for _, t := range rt.transports {
		if err := t.Start(rt.rootCtx); err != nil {
			return fmt.Errorf("runtime: starting transport: %w", err)
		}
	}

	rt.keepaliveTicker = time.NewTicker(keepaliveInterval)
	rt.reaperTicker = time.NewTicker(reaperInterval)
	rt.timersDone = make(chan struct{})
	go rt.runTimers()

	return nil
}

// Stop cancels the root context, stops every transport, disposes all
// sessions, and stops the timers.
func (rt *Runtime) Stop() error {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return nil
	}
	rt.started = false
	rt.rootCancel()
	rt.mu.Unlock()

	if rt.keepaliveTicker != nil {
		rt.keepaliveTicker.Stop()
	}
	if rt.reaperTicker != nil {
		rt.reaperTicker.Stop()
	}
	if rt.timersDone != nil {
		close(rt.timersDone)
	}

	var firstErr error
	for _, t := range rt.transports {
		if err := t.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	rt.mu.Lock()
	sessions := make([]*session.ClientSession, 0, len(rt.sessions))
	for _, s := range rt.sessions {
		sessions = append(sessions, s)
	}
	rt.sessions = make(map[string]*session.ClientSession)
	rt.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	return firstErr
}

// Register adds a newly accepted session to the runtime's registry.
func (rt *Runtime) Register(s *session.ClientSession) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sessions[s.ID] = s
}

// Unregister removes a session from the registry, e.g. once its
// receive/send loops have both exited.
func (rt *Runtime) Unregister(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.sessions, id)
}

func (rt *Runtime) runTimers() {
	for {
		select {
		case <-rt.timersDone:
			return
		case <-rt.keepaliveTicker.C:
			rt.broadcastPing()
		case <-rt.reaperTicker.C:
			rt.reap()
		}
	}
}

// broadcastPing implements spec §4.7's keepalive: every interval, send a
// ping notification to every authenticated session, subject to normal
// rate limiting and backpressure.
func (rt *Runtime) broadcastPing() {
	payload := map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	rt.Broadcast("ping", payload)
}

// Broadcast implements spec §4.7's broadcast: for each authenticated
// session, attempt tryConsume (floods are rate-limited too); on
// success, enqueue as a notification. Dropped broadcasts are not
// retried.
func (rt *Runtime) Broadcast(method string, params any) {
	msg, err := rpc.MakeNotification(method, params)
	if err != nil {
		rt.Logger.Printf("runtime: encoding broadcast %s: %v", method, err)
		return
	}
	raw, err := rpc.ToJSON(msg)
	if err != nil {
		rt.Logger.Printf("runtime: marshaling broadcast %s: %v", method, err)
		return
	}

	rt.mu.RLock()
	sessions := make([]*session.ClientSession, 0, len(rt.sessions))
	for _, s := range rt.sessions {
		sessions = append(sessions, s)
	}
	rt.mu.RUnlock()

	for _, s := range sessions {
		if !s.Authenticated() {
			continue
		}
		if !s.TryConsume() {
			continue
		}
		s.EnqueueNotification(raw, method)
	}
}

// reap implements spec §4.7's reaper: remove sessions idle past the
// limit or whose context has already been cancelled.
func (rt *Runtime) reap() {
	rt.mu.RLock()
	var stale []*session.ClientSession
	for _, s := range rt.sessions {
		if s.IdleSince() > reaperIdleLimit || s.Context().Err() != nil {
			stale = append(stale, s)
		}
	}
	rt.mu.RUnlock()

	for _, s := range stale {
		_ = s.Close()
		rt.Unregister(s.ID)
	}
}

// HandleFrame implements the receive-path steps from spec §4.7. It
// returns the raw response payload to send back (nil if none is
// warranted, e.g. for notifications or unsolicited handshake
// notifications).
func (rt *Runtime) HandleFrame(ctx context.Context, s *session.ClientSession, payload []byte) []byte {
	s.Touch()

	msg, err := rpc.FromJSON(payload)
	if err != nil {
		id, decodable := decodableID(payload)
		if !decodable {
			_ = s.Close()
			return nil
		}
		return rt.encodeError(id, rpc.CodeParseError, "Parse error")
	}

	if !msg.IsValid() {
		return rt.encodeError(msg.ID, rpc.CodeInvalidRequest, "Invalid Request")
	}

	if msg.Method == "handshake" {
		return rt.handleHandshake(s, msg)
	}

	def, ok := rt.Methods.Lookup(msg.Method)
	if !ok {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeMethodNotFound, "Method not found")
	}

	if def.RequiresAuth && !s.Authenticated() {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeAuthRequired, "Authentication required")
	}
	if def.Authorize != nil && !def.Authorize(s, msg) {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeAuthRequired, "Authentication required")
	}

	if s.Authenticated() {
		currentEpoch, err := rt.Tokens.GetEpoch()
		if err == nil && int64(currentEpoch) != s.AuthEpoch() {
			if !msg.IsNotification() {
				raw := rt.encodeError(msg.ID, rpc.CodeSessionExpired, "Session expired")
				if raw != nil {
					_ = s.SendFrame(raw)
				}
			}
			_ = s.Close()
			return nil
		}
	}

	if !s.TryConsume() {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeRateLimitExceeded, "Rate limit exceeded")
	}

	if msg.IsNotification() && !def.AllowNotifications {
		return nil
	}

	if def.MaxPayloadBytes > 0 && int64(len(payload)) > def.MaxPayloadBytes {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeInvalidParams, "Payload too large")
	}

	result, rerr := rt.Dispatcher.Dispatch(ctx, msg.Method, msg.Params)
	if msg.IsNotification() {
		return nil
	}
	if rerr != nil {
		return rt.encodeError(msg.ID, rerr.Code, rerr.Message)
	}
	resp, err := rpc.MakeResult(msg.ID, result)
	if err != nil {
		return rt.encodeError(msg.ID, rpc.CodeInternalError, "Internal error")
	}
	raw, err := rpc.ToJSON(resp)
	if err != nil {
		return rt.encodeError(msg.ID, rpc.CodeInternalError, "Internal error")
	}
	return raw
}

type handshakeParams struct {
	Token      string `json:"token"`
	ClientInfo string `json:"clientInfo"`
}

// handleHandshake implements spec §4.7's handshake sub-protocol,
// adopting the idempotent-success replay variant from spec §9: a
// repeated handshake on an already-authenticated session is a no-op
// that still replies "authenticated" (Authenticate is monotonic).
func (rt *Runtime) handleHandshake(s *session.ClientSession, msg *rpc.Message) []byte {
	var params handshakeParams
	if len(msg.Params) == 0 {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeInvalidParams, "token is required")
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Token == "" {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeInvalidParams, "token is required")
	}

	currentToken, err := rt.Tokens.GetOrCreateToken()
	if err != nil {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeInternalError, "Internal error")
	}
	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(currentToken)) != 1 {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeInvalidToken, "Invalid token")
	}

	epoch, err := rt.Tokens.GetEpoch()
	if err != nil {
		if msg.IsNotification() {
			return nil
		}
		return rt.encodeError(msg.ID, rpc.CodeInternalError, "Internal error")
	}
	s.Authenticate(int64(epoch))
	if params.ClientInfo != "" {
		s.SetClientInfo(params.ClientInfo)
	}

	if msg.IsNotification() {
		return nil
	}
	resp, err := rpc.MakeResult(msg.ID, map[string]any{
		"status":     "authenticated",
		"epoch":      epoch,
		"serverInfo": "Files IPC Server",
	})
	if err != nil {
		return rt.encodeError(msg.ID, rpc.CodeInternalError, "Internal error")
	}
	raw, err := rpc.ToJSON(resp)
	if err != nil {
		return rt.encodeError(msg.ID, rpc.CodeInternalError, "Internal error")
	}
	return raw
}

func (rt *Runtime) encodeError(id json.RawMessage, code int, message string) []byte {
	msg := rpc.MakeError(id, code, message)
	raw, err := rpc.ToJSON(msg)
	if err != nil {
		rt.Logger.Printf("runtime: encoding error response: %v", err)
		return nil
	}
	return raw
}

// decodableID makes a best-effort attempt to recover an id from a
// payload that otherwise failed to parse as a full Message, so a
// well-formed-enough request can still get a ParseError reply per
// spec §4.7 step 1 ("if the message had any id decodable").
func decodableID(payload []byte) (json.RawMessage, bool) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.ID == nil {
		return nil, false
	}
	return probe.ID, true
}

// RunSendLoop drains s's queue and hands each payload to the transport
// until the session's context is cancelled. A transport write failure
// cancels the session (spec §4.7: "a transport write failure cancels
// the session").
func (rt *Runtime) RunSendLoop(s *session.ClientSession) {
	idleMs := rt.Config.SendLoopIdleMs()
	if idleMs <= 0 {
		idleMs = config.DefaultSendLoopIdleMs
	}
	idle := time.Duration(idleMs) * time.Millisecond
	for {
		select {
		case <-s.Context().Done():
			return
		case <-s.SendAvailable():
		case <-time.After(idle):
		}
		for {
			payload, ok := s.Dequeue()
			if !ok {
				break
			}
			if err := s.SendFrame(payload); err != nil {
				rt.Logger.Printf("runtime: send failed for session %s: %v", s.ID, err)
				_ = s.Close()
				return
			}
		}
		if s.Context().Err() != nil {
			return
		}
	}
}
