// Package qr renders a pairing URI as an ANSI QR code, used by the
// operator CLI's pair subcommand so a cooperating client can scan its
// way to the rendezvous descriptor instead of copying it by hand.
package qr

import (
	"io"

	"github.com/mdp/qrterminal/v3"
)

// RenderANSI writes an ANSI-art QR code encoding data to w.
func RenderANSI(w io.Writer, data string) error {
	cfg := qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 2,
	}
	qrterminal.GenerateWithConfig(data, cfg)
	return nil
}
