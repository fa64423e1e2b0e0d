package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/net/ipv4"

	"github.com/colmeia/colmeia/internal/log"
)

// Socket is a UDP socket joined to the mDNS group. Several processes on one
// host can hold one at the same time.
type Socket struct {
	conn        *net.UDPConn
	out         *net.UDPConn
	group       netip.AddrPort
	readTimeout time.Duration
}

// Listen opens the shared multicast socket described by config.
func Listen(config Config) (*Socket, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", bindAddress(multicastGroup, config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind multicast socket: %w", err)
	}
	conn := pc.(*net.UDPConn)

	// Port 0 binds an ephemeral port; the group address follows it.
	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	group := netip.AddrPortFrom(multicastGroup, port)

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(nil, &net.UDPAddr{IP: multicastGroup.AsSlice()}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to join multicast group: %w", err)
	}

	out, err := net.ListenUDP("udp4", nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open multicast sender: %w", err)
	}
	po := ipv4.NewPacketConn(out)
	if err := po.SetMulticastLoopback(true); err != nil {
		log.Debug().Err(err).Msg("Could not enable multicast loopback")
	}
	if err := po.SetMulticastTTL(255); err != nil {
		log.Debug().Err(err).Msg("Could not set multicast TTL")
	}

	readTimeout := config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = ReadTimeout
	}
	return &Socket{conn: conn, out: out, group: group, readTimeout: readTimeout}, nil
}

// Group returns the multicast address messages are sent to.
func (s *Socket) Group() netip.AddrPort { return s.group }

// Receive waits up to the read timeout for one datagram and decodes it as a
// DNS message. A timeout or an undecodable datagram yields a nil message and
// no error; only socket failures are returned as errors.
func (s *Socket) Receive() (*dnsmessage.Message, netip.AddrPort, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return nil, netip.AddrPort{}, err
	}
	buf := make([]byte, MaxMessageSize)
	n, from, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, netip.AddrPort{}, nil
		}
		return nil, netip.AddrPort{}, err
	}

	var msg dnsmessage.Message
	if err := msg.Unpack(buf[:n]); err != nil {
		log.Debug().Err(err).Str("from", from.String()).Msg("Ignoring undecodable mDNS datagram")
		return nil, from, nil
	}
	log.Debug().Str("from", from.String()).Msg("MDNS message received")
	return &msg, from, nil
}

// Send packs msg and sends it to the multicast group.
func (s *Socket) Send(msg dnsmessage.Message) error {
	buf, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack mDNS message: %w", err)
	}
	if _, err := s.out.WriteToUDPAddrPort(buf, s.group); err != nil {
		return fmt.Errorf("failed to send mDNS message: %w", err)
	}
	return nil
}

// Close closes the socket.
func (s *Socket) Close() error {
	err := s.conn.Close()
	if oerr := s.out.Close(); err == nil {
		err = oerr
	}
	return err
}
