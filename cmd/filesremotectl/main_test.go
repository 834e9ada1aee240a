package main

import (
	"testing"

	"filesremote/internal/rendezvous"
)

func TestBuildPairingURI(t *testing.T) {
	tests := []struct {
		name string
		desc rendezvous.Descriptor
		want string
	}{
		{
			name: "websocket",
			desc: rendezvous.Descriptor{WebSocketPort: 52345, Token: "abc123", Epoch: 4},
			want: "filesremote://127.0.0.1:52345/?token=abc123&epoch=4",
		},
		{
			name: "pipe-only",
			desc: rendezvous.Descriptor{PipeName: "Files_IPC_alice_deadbeef", Token: "xyz", Epoch: 1},
			want: "filesremote://Files_IPC_alice_deadbeef/?token=xyz&epoch=1",
		},
		{
			name: "websocket-preferred-over-pipe",
			desc: rendezvous.Descriptor{WebSocketPort: 40001, PipeName: "Files_IPC_alice_deadbeef", Token: "xyz", Epoch: 2},
			want: "filesremote://127.0.0.1:40001/?token=xyz&epoch=2",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := buildPairingURI(tc.desc)
			if got != tc.want {
				t.Fatalf("buildPairingURI(%+v) = %q, want %q", tc.desc, got, tc.want)
			}
		})
	}
}
