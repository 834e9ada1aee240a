// Command filesremoted runs the IPC engine as a standalone daemon: the
// session runtime, both transports, and a filesystem-backed shell
// adapter so the server has something real to route requests to. A
// production embedding host runs the same wiring in-process and
// registers its own adapters instead of localshell's.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"filesremote/internal/config"
	"filesremote/internal/coordinator"
	"filesremote/internal/localshell"
	"filesremote/internal/pipetransport"
	"filesremote/internal/rendezvous"
	"filesremote/internal/rpc"
	"filesremote/internal/runtime"
	"filesremote/internal/shellregistry"
	"filesremote/internal/tokenstore"
	"filesremote/internal/uiqueue"
	"filesremote/internal/wstransport"
)

func main() {
	enable := flag.Bool("enable", false, "opt in to remote control on this run")
	wsPort := flag.Int("ws-port", wstransport.DefaultPort, "preferred websocket port")
	root := flag.String("root", ".", "directory the built-in filesystem shell starts in")
	tokenPath := flag.String("token-path", tokenstore.DefaultPath(), "encrypted token store path")
	rendezvousPath := flag.String("rendezvous-path", rendezvous.DefaultPath(), "rendezvous descriptor path")
	pipeDir := flag.String("pipe-dir", os.TempDir(), "directory for the pipe transport's socket file")
	flag.Parse()

	logger := log.New(os.Stdout, "[filesremoted] ", log.LstdFlags)

	rootAbs, err := filepath.Abs(*root)
	if err != nil {
		logger.Fatalf("resolving root: %v", err)
	}

	tokens := tokenstore.New(*tokenPath)
	if *enable {
		tokens.SetEnabled(true)
	}
	if !tokens.IsEnabled() {
		logger.Printf("remote control is disabled; pass -enable to opt in")
		return
	}

	token, err := tokens.GetOrCreateToken()
	if err != nil {
		logger.Fatalf("token store: %v", err)
	}
	epoch, err := tokens.GetEpoch()
	if err != nil {
		logger.Fatalf("token store: %v", err)
	}
	logger.Printf("token ready (epoch %d): %s", epoch, token)

	cfg := config.New()
	methods := rpc.NewDefaultRegistry()

	registry := shellregistry.New()
	adapter := localshell.New(rootAbs)
	registry.Register(shellregistry.ShellDescriptor{ShellID: "local", WindowID: 1, Active: true}, adapter)

	queue := uiqueue.New()
	defer queue.Stop()
	coord := coordinator.New(registry)
	coord.UIQueue = queue
	coord.Logger = logger
	coord.MetadataMaxItems = int(cfg.GetMetadataMaxItems())
	coord.MetadataTimeout = time.Duration(cfg.GetMetadataTimeoutSec()) * time.Second
	coord.SelectionCap = int(cfg.SelectionNotificationCap())

	rt := runtime.New(cfg, tokens, methods, coord)
	rt.Logger = logger
	coord.Notifier = rt.Broadcast

	rz := rendezvous.New(*rendezvousPath)
	// Publish the token the runtime accepts; a descriptor left behind by
	// an earlier run would otherwise supply its own stale token.
	_ = os.Remove(*rendezvousPath)
	if _, err := rz.GetOrCreateToken(func() (string, error) { return token, nil }); err != nil {
		logger.Fatalf("rendezvous: %v", err)
	}

	ws := wstransport.New(cfg, rt, rz, epoch)
	ws.PreferredPort = *wsPort
	ws.Logger = logger
	rt.AddTransport(ws)

	pipe := pipetransport.New(cfg, rt, rz, epoch)
	pipe.Dir = *pipeDir
	pipe.Logger = logger
	rt.AddTransport(pipe)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Fatalf("starting runtime: %v", err)
	}
	logger.Printf("listening: ws=127.0.0.1:%d pipe=%s", ws.Port(), pipe.Name())

	<-ctx.Done()
	logger.Printf("shutting down")
	if err := rt.Stop(); err != nil {
		logger.Printf("stop: %v", err)
	}
	if err := rz.Delete(); err != nil {
		logger.Printf("removing rendezvous descriptor: %v", err)
	}
}
