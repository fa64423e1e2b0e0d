// Package discovery finds peers for a feed on the local network with
// multicast DNS. A feed is looked up by a TXT query for
// <first 40 hex digits of its discovery key>.dat.local; peers answer with
// their replication addresses.
package discovery

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// Common errors returned by the discovery package.
var (
	ErrInvalidKey   = errors.New("invalid discovery key")
	ErrNotSupported = errors.New("multicast discovery is not supported on this platform")
)

const (
	// MulticastPort is the mDNS port.
	MulticastPort = 5353
	// MaxMessageSize bounds a received datagram.
	MaxMessageSize = 512
	// ReadTimeout is how long one Receive waits for a datagram.
	ReadTimeout = 100 * time.Millisecond

	domain      = "dat.local."
	keyHexChars = 40
	peersPrefix = "peers="
	answerTTL   = 120
	// maxPeers keeps the base64 peer list within one TXT string.
	maxPeers = 30
)

// multicastGroup is the IPv4 mDNS group.
var multicastGroup = netip.AddrFrom4([4]byte{224, 0, 0, 251})

// MulticastGroup returns the IPv4 mDNS group address.
func MulticastGroup() netip.Addr { return multicastGroup }

// Config contains configuration for the discovery socket.
type Config struct {
	// Port is the multicast port to bind and send to.
	Port uint16
	// ReadTimeout bounds each Receive.
	ReadTimeout time.Duration
	// QueryInterval is how often Lookup repeats its query.
	QueryInterval time.Duration
}

// DefaultConfig returns the default discovery configuration.
func DefaultConfig() Config {
	return Config{
		Port:          MulticastPort,
		ReadTimeout:   ReadTimeout,
		QueryInterval: time.Second,
	}
}

// Name returns the DNS name a feed is announced under.
func Name(discoveryKey []byte) (dnsmessage.Name, error) {
	if len(discoveryKey)*2 < keyHexChars {
		return dnsmessage.Name{}, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(discoveryKey))
	}
	return dnsmessage.NewName(hex.EncodeToString(discoveryKey)[:keyHexChars] + "." + domain)
}

// NewQuery builds a TXT query for the feed's peers.
func NewQuery(id uint16, discoveryKey []byte) (dnsmessage.Message, error) {
	name, err := Name(discoveryKey)
	if err != nil {
		return dnsmessage.Message{}, err
	}
	return dnsmessage.Message{
		Header: dnsmessage.Header{ID: id},
		Questions: []dnsmessage.Question{{
			Name:  name,
			Type:  dnsmessage.TypeTXT,
			Class: dnsmessage.ClassINET,
		}},
	}, nil
}

// NewAnswer builds the response announcing peers for name. An unspecified
// peer address tells the receiver to use the packet's source address.
func NewAnswer(id uint16, name dnsmessage.Name, peers []netip.AddrPort) dnsmessage.Message {
	if len(peers) > maxPeers {
		peers = peers[:maxPeers]
	}
	return dnsmessage.Message{
		Header: dnsmessage.Header{ID: id, Response: true, Authoritative: true},
		Answers: []dnsmessage.Resource{{
			Header: dnsmessage.ResourceHeader{
				Name:  name,
				Type:  dnsmessage.TypeTXT,
				Class: dnsmessage.ClassINET,
				TTL:   answerTTL,
			},
			Body: &dnsmessage.TXTResource{TXT: []string{peersPrefix + encodePeers(peers)}},
		}},
	}
}

// QueriedNames returns the TXT names asked for by a query. Responses yield
// nothing.
func QueriedNames(msg *dnsmessage.Message) []dnsmessage.Name {
	if msg.Header.Response {
		return nil
	}
	var out []dnsmessage.Name
	for _, q := range msg.Questions {
		if q.Type == dnsmessage.TypeTXT || q.Type == dnsmessage.TypeALL {
			out = append(out, q.Name)
		}
	}
	return out
}

// AnswerPeers extracts the peers announced for name in a response. Peers with
// an unspecified address take source's address.
func AnswerPeers(msg *dnsmessage.Message, name dnsmessage.Name, source netip.Addr) []netip.AddrPort {
	if !msg.Header.Response {
		return nil
	}
	var out []netip.AddrPort
	for _, rr := range msg.Answers {
		if !strings.EqualFold(rr.Header.Name.String(), name.String()) {
			continue
		}
		txt, ok := rr.Body.(*dnsmessage.TXTResource)
		if !ok {
			continue
		}
		for _, s := range txt.TXT {
			if !strings.HasPrefix(s, peersPrefix) {
				continue
			}
			for _, p := range decodePeers(strings.TrimPrefix(s, peersPrefix)) {
				if p.Addr().IsUnspecified() && source.IsValid() {
					p = netip.AddrPortFrom(source.Unmap(), p.Port())
				}
				out = append(out, p)
			}
		}
	}
	return out
}

// encodePeers packs each IPv4 peer as 4 address bytes and a big-endian port.
func encodePeers(peers []netip.AddrPort) string {
	buf := make([]byte, 0, 6*len(peers))
	for _, p := range peers {
		addr := p.Addr().Unmap()
		if !addr.Is4() {
			continue
		}
		a := addr.As4()
		buf = append(buf, a[:]...)
		buf = binary.BigEndian.AppendUint16(buf, p.Port())
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodePeers(s string) []netip.AddrPort {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	out := make([]netip.AddrPort, 0, len(buf)/6)
	for ; len(buf) >= 6; buf = buf[6:] {
		addr := netip.AddrFrom4([4]byte(buf[:4]))
		out = append(out, netip.AddrPortFrom(addr, binary.BigEndian.Uint16(buf[4:6])))
	}
	return out
}
