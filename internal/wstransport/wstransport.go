// Package wstransport implements the loopback WebSocket listener
// described in spec §4.8: it accepts only upgrade requests on
// 127.0.0.1, reassembles text frames up to a configured byte cap, and
// hands each accepted connection to the runtime as a session.
package wstransport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"filesremote/internal/config"
	"filesremote/internal/devutil"
	"filesremote/internal/rendezvous"
	"filesremote/internal/session"
)

const (
	// DefaultPort is the preferred WebSocket port, matching the port
	// clients probe first when discovering the endpoint out-of-band.
	DefaultPort    = 52345
	fallbackRangeLo = 40000
	fallbackRangeHi = 40100
)

// SessionHost is the subset of runtime.Runtime this transport needs:
// register an accepted session and hand it received frames.
type SessionHost interface {
	Register(s *session.ClientSession)
	Unregister(id string)
	HandleFrame(ctx context.Context, s *session.ClientSession, payload []byte) []byte
	RunSendLoop(s *session.ClientSession)
}

// Transport binds an HTTP listener on IPv4 loopback and upgrades
// WebSocket connections into runtime sessions.
type Transport struct {
	Config      *config.Config
	Host        SessionHost
	Rendezvous  *rendezvous.Rendezvous
	Epoch       int
	PreferredPort int
	Logger      *log.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	port     int

	mu       sync.Mutex
	sessions map[string]*wsSession
}

type wsSession struct {
	conn  *websocket.Conn
	mu    sync.Mutex
}

func (w *wsSession) SendFrame(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsSession) Close() error {
	return w.conn.Close()
}

// New constructs a Transport. Call Start to bind and begin serving.
func New(cfg *config.Config, host SessionHost, rz *rendezvous.Rendezvous, epoch int) *Transport {
	return &Transport{
		Config:        cfg,
		Host:          host,
		Rendezvous:    rz,
		Epoch:         epoch,
		PreferredPort: DefaultPort,
		Logger:        log.New(io.Discard, "", 0),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local-origin only: the listener is bound to loopback, and
			// remote-control is opt-in, so any local process may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*wsSession),
	}
}

// Start binds the preferred port if it is free, otherwise an OS-assigned
// loopback port; only if binding that port fails does it scan
// [40000, 40100). It then begins serving in the background and
// publishes the bound port to the rendezvous descriptor.
func (t *Transport) Start(ctx context.Context) error {
	ln, port, err := t.bind()
	if err != nil {
		return fmt.Errorf("wstransport: binding: %w", err)
	}
	t.listener = ln
	t.port = port

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.serveHTTP)
	t.server = &http.Server{Handler: mux}

	go func() {
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.Logger.Printf("wstransport: serve: %v", err)
		}
	}()

	if t.Rendezvous != nil {
		if err := t.Rendezvous.Update(port, "", t.Epoch); err != nil {
			t.Logger.Printf("wstransport: publishing rendezvous: %v", err)
		}
	}
	return nil
}

// Stop closes the listener and every open connection.
func (t *Transport) Stop() error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := t.server.Shutdown(ctx)

	t.mu.Lock()
	sessions := make([]*wsSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*wsSession)
	t.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	return err
}

// Port returns the bound port, valid after Start returns successfully.
func (t *Transport) Port() int { return t.port }

func (t *Transport) bind() (net.Listener, int, error) {
	if port, err := devutil.PickFreePort(t.PreferredPort); err == nil {
		if ln, lerr := net.Listen("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))); lerr == nil {
			return ln, port, nil
		}
	}
	for port := fallbackRangeLo; port < fallbackRangeHi; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port)))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in fallback range [%d, %d)", fallbackRangeLo, fallbackRangeHi)
}

// serveHTTP rejects any request that is not a WebSocket upgrade with an
// immediate HTTP 400, per spec §4.8.
func (t *Transport) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t.serveConn(conn)
}

func (t *Transport) serveConn(conn *websocket.Conn) {
	id, err := randomID()
	if err != nil {
		t.Logger.Printf("wstransport: generating session id: %v", err)
		_ = conn.Close()
		return
	}

	transport := &wsSession{conn: conn}
	maxBytes := t.Config.WebSocketMaxMessageBytes()
	conn.SetReadLimit(maxBytes)

	perSecond := t.Config.RateLimitPerSecond()
	burst := t.Config.RateLimitBurst()
	queueCap := t.Config.PerSessionQueueCapBytes()
	s := session.New(id, transport, perSecond, burst, queueCap)

	t.mu.Lock()
	t.sessions[id] = transport
	t.mu.Unlock()

	t.Host.Register(s)
	go t.Host.RunSendLoop(s)

	defer func() {
		t.mu.Lock()
		delete(t.sessions, id)
		t.mu.Unlock()
		t.Host.Unregister(id)
		_ = s.Close()
	}()

	for {
		select {
		case <-s.Context().Done():
			return
		default:
		}

		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			// Close frames and read errors alike terminate the session
			// normally; the reaper does not need to intervene.
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if reply := t.Host.HandleFrame(s.Context(), s, payload); reply != nil {
			s.EnqueueResponse(reply, "")
		}
	}
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
