// Command filesremotectl is the operator-facing counterpart to
// filesremoted: enable or disable remote control, rotate the shared
// secret, inspect status, and print a pairing code for a client to
// scan.
package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"filesremote/internal/qr"
	"filesremote/internal/rendezvous"
	"filesremote/internal/tokenstore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "enable":
		enableCmd()
	case "disable":
		disableCmd()
	case "rotate":
		rotateCmd()
	case "status":
		statusCmd()
	case "pair":
		pairCmd()
	case "version", "--version", "-version":
		fmt.Println("filesremotectl dev")
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("filesremotectl <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  enable   Opt in to remote control")
	fmt.Println("  disable  Opt out of remote control")
	fmt.Println("  rotate   Rotate the shared secret, invalidating existing sessions")
	fmt.Println("  status   Print whether remote control is enabled and the current epoch")
	fmt.Println("  pair     Print (or render as a QR code) a pairing URI for a client")
}

func openStore() *tokenstore.TokenStore {
	return tokenstore.New(tokenstore.DefaultPath())
}

func enableCmd() {
	store := openStore()
	store.SetEnabled(true)
	if _, err := store.GetOrCreateToken(); err != nil {
		fatalf("enabling: %v", err)
	}
	fmt.Println("remote control enabled")
}

func disableCmd() {
	store := openStore()
	store.SetEnabled(false)
	fmt.Println("remote control disabled")
}

func rotateCmd() {
	store := openStore()
	if !store.IsEnabled() {
		fatalf("remote control is disabled; run 'enable' first")
	}
	if _, err := store.RotateToken(); err != nil {
		fatalf("rotating token: %v", err)
	}
	epoch, err := store.GetEpoch()
	if err != nil {
		fatalf("reading epoch: %v", err)
	}
	fmt.Printf("token rotated, existing sessions invalidated (epoch %d)\n", epoch)
}

func statusCmd() {
	store := openStore()
	fmt.Printf("enabled: %v\n", store.IsEnabled())
	if !store.IsEnabled() {
		return
	}
	epoch, err := store.GetEpoch()
	if err != nil {
		fatalf("reading epoch: %v", err)
	}
	fmt.Printf("epoch: %d\n", epoch)
	fmt.Printf("rendezvous: %s\n", rendezvous.DefaultPath())
}

func pairCmd() {
	store := openStore()
	if !store.IsEnabled() {
		fatalf("remote control is disabled; run 'enable' first")
	}
	rz := rendezvous.New(rendezvous.DefaultPath())
	desc, err := rz.Read()
	if err != nil {
		fatalf("reading rendezvous descriptor: %v (is filesremoted running?)", err)
	}
	uri := buildPairingURI(desc)

	if term.IsTerminal(int(os.Stdout.Fd())) {
		if err := qr.RenderANSI(os.Stdout, uri); err != nil {
			fatalf("rendering QR code: %v", err)
		}
		return
	}
	fmt.Println(uri)
}

// buildPairingURI turns a published rendezvous descriptor into the
// pairing URI a client scans or pastes: the websocket endpoint when the
// server published one, otherwise the pipe endpoint.
func buildPairingURI(desc rendezvous.Descriptor) string {
	if desc.WebSocketPort != 0 {
		return fmt.Sprintf("filesremote://127.0.0.1:%d/?token=%s&epoch=%d", desc.WebSocketPort, desc.Token, desc.Epoch)
	}
	return fmt.Sprintf("filesremote://%s/?token=%s&epoch=%d", desc.PipeName, desc.Token, desc.Epoch)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
