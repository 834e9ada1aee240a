// Package rendezvous manages the descriptor file that lets local clients
// discover the IPC server's endpoint (websocket port and/or pipe name),
// current token, and rotation epoch. See spec §4.3.
package rendezvous

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Descriptor is the on-disk JSON shape published at Path.
type Descriptor struct {
	WebSocketPort int    `json:"webSocketPort,omitempty"`
	PipeName      string `json:"pipeName,omitempty"`
	Token         string `json:"token"`
	Epoch         int    `json:"epoch"`
	ServerPID     int    `json:"serverPid"`
	CreatedUTC    string `json:"createdUtc"`
}

// Rendezvous serializes reads/writes of the descriptor file behind a
// process-wide mutex, per spec §5 ("the rendezvous file is serialized by
// a process-wide mutex around its write path").
type Rendezvous struct {
	mu      sync.Mutex
	path    string
	token   string
	deleted bool
}

// New returns a Rendezvous publishing to path.
func New(path string) *Rendezvous {
	return &Rendezvous{path: path}
}

// DefaultPath returns the conventional per-user rendezvous location,
// matching the "%LOCALAPPDATA%/FilesIPC/ipc.info" layout observed in the
// original client test scripts, rendered in a Go-portable form.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "FilesIPC", "ipc.info")
}

// GetCurrentPath returns the deterministic per-user path this instance
// publishes to.
func (r *Rendezvous) GetCurrentPath() string {
	return r.path
}

// GetOrCreateToken returns the token embedded in the existing descriptor
// file, if any; otherwise it generates one via gen and returns it,
// deferring the file write to the next Update call.
func (r *Rendezvous) GetOrCreateToken(gen func() (string, error)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" {
		return r.token, nil
	}
	if existing, err := readDescriptor(r.path); err == nil && existing.Token != "" {
		r.token = existing.Token
		return r.token, nil
	}
	token, err := gen()
	if err != nil {
		return "", err
	}
	r.token = token
	return token, nil
}

// Update merges wsPort/pipeName/epoch into the descriptor and writes it
// atomically. The token is sticky for the process lifetime: once set (by
// GetOrCreateToken or a prior Update), later Update calls never change
// it. A no-op after Delete, until process restart.
func (r *Rendezvous) Update(wsPort int, pipeName string, epoch int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return nil
	}
	existing, _ := readDescriptor(r.path)
	desc := existing
	if wsPort != 0 {
		desc.WebSocketPort = wsPort
	}
	if pipeName != "" {
		desc.PipeName = pipeName
	}
	desc.Epoch = epoch
	desc.ServerPID = os.Getpid()
	if desc.CreatedUTC == "" {
		desc.CreatedUTC = time.Now().UTC().Format(time.RFC3339)
	}
	if r.token != "" {
		desc.Token = r.token
	} else if desc.Token != "" {
		r.token = desc.Token
	}
	return writeDescriptorAtomic(r.path, desc)
}

// Read loads the descriptor currently published at path, for callers
// (such as the operator CLI) that need to discover an already-running
// server's endpoint rather than publish one of their own.
func (r *Rendezvous) Read() (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return readDescriptor(r.path)
}

// Delete removes the descriptor file and latches the deleted flag so
// subsequent Update calls are no-ops until process restart.
func (r *Rendezvous) Delete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = true
	err := os.Remove(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func readDescriptor(path string) (Descriptor, error) {
	var desc Descriptor
	raw, err := os.ReadFile(path)
	if err != nil {
		return desc, err
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}

// writeDescriptorAtomic writes desc via temp-file+rename with owner-only
// permissions, so readers never observe a partially-written descriptor.
func writeDescriptorAtomic(path string, desc Descriptor) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ipc-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
