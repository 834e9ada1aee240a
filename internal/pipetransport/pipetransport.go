// Package pipetransport implements the duplex, per-user-ACL listener
// described in spec §4.9. Windows names this a named pipe; the
// idiomatic Go-native substitute on this platform is a Unix domain
// socket restricted to the current user by both filesystem permissions
// and a SO_PEERCRED credential check on accept, which sidesteps the
// deny-Everyone-plus-allow-self pitfall the specification calls out by
// construction (there is no ACL list to get wrong).
package pipetransport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"filesremote/internal/config"
	"filesremote/internal/rendezvous"
	"filesremote/internal/session"
)

// SessionHost is the subset of runtime.Runtime this transport needs.
type SessionHost interface {
	Register(s *session.ClientSession)
	Unregister(id string)
	HandleFrame(ctx context.Context, s *session.ClientSession, payload []byte) []byte
	RunSendLoop(s *session.ClientSession)
}

// Transport listens on a per-user Unix domain socket standing in for
// the named-pipe endpoint, framing messages with a 4-byte
// little-endian length prefix per spec §4.9.
type Transport struct {
	Config     *config.Config
	Host       SessionHost
	Rendezvous *rendezvous.Rendezvous
	Epoch      int
	Dir        string // socket directory; defaults to os.TempDir()
	Logger     *log.Logger

	listener net.Listener
	name     string

	mu       sync.Mutex
	sessions map[string]*pipeSession
	stopped  bool
}

type pipeSession struct {
	conn net.Conn
	mu   sync.Mutex
}

func (p *pipeSession) SendFrame(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := p.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := p.conn.Write(payload)
	return err
}

func (p *pipeSession) Close() error {
	return p.conn.Close()
}

// New constructs a Transport. Call Start to bind and begin serving.
func New(cfg *config.Config, host SessionHost, rz *rendezvous.Rendezvous, epoch int) *Transport {
	return &Transport{
		Config:     cfg,
		Host:       host,
		Rendezvous: rz,
		Epoch:      epoch,
		Dir:        os.TempDir(),
		Logger:     log.New(io.Discard, "", 0),
		sessions:   make(map[string]*pipeSession),
	}
}

// Start creates the per-user socket endpoint, restricts its
// permissions to the current user, and begins accepting connections in
// the background. After the first successful bind, it publishes the
// endpoint name and epoch to the rendezvous descriptor.
func (t *Transport) Start(ctx context.Context) error {
	name, err := endpointName()
	if err != nil {
		return fmt.Errorf("pipetransport: naming endpoint: %w", err)
	}
	socketPath := filepath.Join(t.Dir, name+".sock")
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("pipetransport: listening: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("pipetransport: restricting permissions: %w", err)
	}

	t.listener = ln
	t.name = name

	go t.acceptLoop(ctx)

	if t.Rendezvous != nil {
		if err := t.Rendezvous.Update(0, name, t.Epoch); err != nil {
			t.Logger.Printf("pipetransport: publishing rendezvous: %v", err)
		}
	}
	return nil
}

// Stop closes the listener and every open connection, and removes the
// socket file.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.stopped = true
	sessions := make([]*pipeSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*pipeSession)
	t.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	if t.listener == nil {
		return nil
	}
	err := t.listener.Close()
	if addr, ok := t.listener.Addr().(*net.UnixAddr); ok {
		_ = os.Remove(addr.Name)
	}
	return err
}

// Name returns the bound endpoint's name (without directory or
// extension), valid after Start returns successfully.
func (t *Transport) Name() string { return t.name }

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if stopped {
				return
			}
			t.Logger.Printf("pipetransport: accept: %v", err)
			return
		}
		// A fresh endpoint instance per accept supports multiple
		// simultaneous clients, per spec §4.9.
		go t.serveConn(ctx, conn)
	}
}

func (t *Transport) serveConn(ctx context.Context, conn net.Conn) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return
	}
	if err := verifyPeerIsCurrentUser(unixConn); err != nil {
		t.Logger.Printf("pipetransport: rejecting peer: %v", err)
		_ = conn.Close()
		return
	}

	id, err := randomID()
	if err != nil {
		t.Logger.Printf("pipetransport: generating session id: %v", err)
		_ = conn.Close()
		return
	}

	transport := &pipeSession{conn: conn}
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

	maxBytes := t.Config.PipeMaxMessageBytes()
	for {
		select {
		case <-s.Context().Done():
			return
		default:
		}
		payload, err := readFrame(conn, maxBytes)
		if err != nil {
			// Short length prefixes, impossible lengths, and EOF mid-body
			// all surface here and close the session per spec §4.9.
			return
		}
		if reply := t.Host.HandleFrame(s.Context(), s, payload); reply != nil {
			s.EnqueueResponse(reply, "")
		}
	}
}

// readFrame reads one length-prefixed message: a 4-byte little-endian
// length followed by exactly that many bytes.
func readFrame(r io.Reader, maxBytes int64) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("pipetransport: zero-length frame prefix")
	}
	if maxBytes > 0 && int64(length) > maxBytes {
		return nil, fmt.Errorf("pipetransport: frame length %d exceeds cap %d", length, maxBytes)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// verifyPeerIsCurrentUser enforces the per-user ACL described in
// spec §4.9 via SO_PEERCRED rather than a filesystem ACL, so there is
// no "deny Everyone" list that could inadvertently also deny the owner.
func verifyPeerIsCurrentUser(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("peer syscall conn: %w", err)
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return fmt.Errorf("peer control: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("peer credentials: %w", credErr)
	}
	expectedUID := uint32(os.Getuid())
	if cred.Uid != expectedUID {
		return fmt.Errorf("peer uid %d does not match owner uid %d", cred.Uid, expectedUID)
	}
	return nil
}

// endpointName builds the Files_IPC_<user>_<random> pattern observed in
// the original client discovery scripts.
func endpointName() (string, error) {
	username := "user"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = sanitizeUsername(u.Username)
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("Files_IPC_%s_%s", username, hex.EncodeToString(buf)), nil
}

func sanitizeUsername(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
