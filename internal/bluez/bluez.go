// Package bluez implements the link transport over classic Bluetooth
// RFCOMM through BlueZ's D-Bus API.
//
// The server side registers an org.bluez.Profile1 object with
// Role="server" for the service id; every org.bluez.Profile1.NewConnection
// call hands over a connected RFCOMM socket FD, which becomes one
// transport.Channel. The client side registers a Role="client" profile
// once per service id and asks the device to ConnectProfile; the FD arrives
// through the same callback.
//
// Requirements: Linux, bluetoothd running, system bus access (often root
// for RegisterProfile). Pairing, when needed, is handled by an agent
// registered outside this package. On other platforms every operation
// returns transport.ErrUnavailable.
package bluez

import (
	"log/slog"
	"strings"
)

// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
const DefaultRFCOMMChannel uint16 = 22

// Options controls profile registration.
type Options struct {
	// ServiceName is advertised in the SDP record (RegisterProfile "Name").
	ServiceName string
	// Channel is the RFCOMM channel of the server profile. Zero means
	// DefaultRFCOMMChannel.
	Channel uint16
	// Logger receives debug output. Nil discards it.
	Logger *slog.Logger
}

func (o Options) channel() uint16 {
	if o.Channel == 0 {
		return DefaultRFCOMMChannel
	}
	return o.Channel
}

// normalizeMAC upper-cases a colon separated address.
func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(mac, "_", ":"))
}

// macFromPath extracts the address from a BlueZ device object path
// (.../dev_XX_XX_XX_XX_XX_XX). It returns "" when p is not a device path.
func macFromPath(p string) string {
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return normalizeMAC(p[idx+5:])
}

// devicePath builds the object path BlueZ uses for mac under adapter.
func devicePath(adapter, mac string) string {
	return adapter + "/dev_" + strings.ReplaceAll(normalizeMAC(mac), ":", "_")
}
