// services/network/types.go
package network

import (
	"context"
	"net"
)

// LinkState is the association state of the radio link.
type LinkState uint8

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TransportState is the state of the stream connection on top of the link.
// It is only connecting or connected while the link is connected.
type TransportState uint8

const (
	TransportDisconnected TransportState = iota
	TransportConnecting
	TransportConnected
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s TransportState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Credentials select and authenticate against an access point.
type Credentials struct {
	SSID     string `mapstructure:"ssid"`
	Password string `mapstructure:"password"`
}

// ---- Link HAL ----

// Radio is the link layer. Its asynchronous notifications are delivered by
// calling Coordinator.HandleLinkEvent from whatever goroutine the radio uses.
type Radio interface {
	Start() error
	Connect(Credentials) error
	Disconnect() error
	Stop() error
}

type LinkEventType uint8

const (
	LinkStarted LinkEventType = iota
	LinkLost
	AddressAcquired
)

func (t LinkEventType) String() string {
	switch t {
	case LinkStarted:
		return "started"
	case LinkLost:
		return "disconnected"
	case AddressAcquired:
		return "address_acquired"
	default:
		return "unknown"
	}
}

// LinkEvent is a notification from the radio. Reason is set for LinkLost,
// Addr for AddressAcquired.
type LinkEvent struct {
	Type   LinkEventType
	Reason string
	Addr   string
}

// Dialer opens transport connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Status is a point-in-time view for reporting.
type Status struct {
	Link       LinkState      `json:"link"`
	Transport  TransportState `json:"transport"`
	Addr       string         `json:"addr,omitempty"`
	Session    string         `json:"session,omitempty"`
	Reconnects uint64         `json:"reconnects"`
	RxBytes    uint64         `json:"rx_bytes"`
	TxBytes    uint64         `json:"tx_bytes"`
}
