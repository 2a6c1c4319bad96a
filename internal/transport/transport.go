// Package transport binds the UDP endpoints SyncJams gossips over: one
// receive socket bound to a fixed port, and one ephemeral send socket
// that fans a single outgoing datagram out to every configured
// destination (spec §6). Everything here is the Go-native stand-in for
// what the spec treats as an external collaborator — the real raw
// socket options it calls for (SO_REUSEADDR, SO_BROADCAST, SO_REUSEPORT,
// IP_MULTICAST_TTL) have no portable setter on net.UDPConn, so this
// package reaches for golang.org/x/sys/unix and golang.org/x/net/ipv4
// the way most Go networking code does.
package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// MulticastGroup is reserved for future use (spec §6); nothing joins it yet.
const MulticastGroup = "239.255.232.32"

// recvPollTimeout bounds how long Recv blocks waiting for a datagram,
// so the engine's poll loop never stalls on an idle network (spec §5).
const recvPollTimeout = 2 * time.Millisecond

// Datagram is one inbound packet paired with its source address.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// Transport is the minimal capability the node engine needs: fan a
// datagram out to every destination, and drain whatever has arrived.
type Transport interface {
	// Send best-effort broadcasts data to every configured destination.
	// Failures are not returned to the caller — spec §7 classifies
	// transport-send-failure as logged-and-discarded, never surfaced.
	Send(data []byte)
	// Recv returns the next queued inbound datagram, or ok=false if
	// none arrived within the poll timeout.
	Recv() (Datagram, bool)
	// Close releases both sockets.
	Close() error
}

// Config configures a UDP Transport.
type Config struct {
	Port         int
	Destinations []*net.UDPAddr
	Logger       Logger
}

// Logger is the narrow diagnostics sink transport-level failures go
// through (spec §7 kind d: transport-send-failure, logged at warning).
type Logger interface {
	Printf(format string, v ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

type udpTransport struct {
	recvConn *net.UDPConn
	sendConn *net.UDPConn
	dests    []*net.UDPAddr
	logger   Logger
}

// New binds the receive and send sockets described in spec §6 and
// returns a ready-to-use Transport.
func New(cfg Config) (Transport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	lc := net.ListenConfig{Control: controlReuseAddrPortBroadcast}
	recvPC, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("transport: bind receive socket: %w", err)
	}
	recvConn := recvPC.(*net.UDPConn)

	if err := ipv4.NewPacketConn(recvConn).SetMulticastTTL(255); err != nil {
		logger.Printf("transport: set multicast ttl on receive socket: %v", err)
	}

	sendPC, err := lc.ListenPacket(context.Background(), "udp4", "0.0.0.0:0")
	if err != nil {
		recvConn.Close()
		return nil, fmt.Errorf("transport: bind send socket: %w", err)
	}
	sendConn := sendPC.(*net.UDPConn)

	if err := ipv4.NewPacketConn(sendConn).SetMulticastTTL(255); err != nil {
		logger.Printf("transport: set multicast ttl on send socket: %v", err)
	}

	return &udpTransport{
		recvConn: recvConn,
		sendConn: sendConn,
		dests:    cfg.Destinations,
		logger:   logger,
	}, nil
}

// controlReuseAddrPortBroadcast sets SO_REUSEADDR, SO_BROADCAST and
// (where available) SO_REUSEPORT on the raw socket before bind, as
// spec §6 requires.
func controlReuseAddrPortBroadcast(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); e != nil {
			sockErr = e
			return
		}
		// SO_REUSEPORT is not available on every platform; ignore failure.
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (t *udpTransport) Send(data []byte) {
	for _, dest := range t.dests {
		if _, err := t.sendConn.WriteToUDP(data, dest); err != nil {
			t.logger.Printf("transport: send to %s failed: %v", dest, err)
		}
	}
}

func (t *udpTransport) Recv() (Datagram, bool) {
	buf := make([]byte, 65536)
	t.recvConn.SetReadDeadline(time.Now().Add(recvPollTimeout))
	n, from, err := t.recvConn.ReadFromUDP(buf)
	if err != nil {
		return Datagram{}, false
	}
	return Datagram{Data: buf[:n], From: from}, true
}

func (t *udpTransport) Close() error {
	err1 := t.recvConn.Close()
	err2 := t.sendConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// DefaultDestinations returns the limited broadcast address plus the
// hard-coded Android-tethering subnet broadcast the original protocol
// always sent to (spec §9 "Global destination list").
func DefaultDestinations(port int) []*net.UDPAddr {
	return []*net.UDPAddr{
		{IP: net.IPv4bcast, Port: port},
		{IP: net.IPv4(192, 168, 42, 255), Port: port},
	}
}
