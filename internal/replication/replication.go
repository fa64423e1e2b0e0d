// Package replication drives one replication session per channel: it
// completes the channel handshake, exchanges availability with the peer,
// requests blocks and admits the blocks the peer sends back into the shared
// feed.
package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/colmeia/colmeia/internal/wire"
)

// Common errors returned by the replication package. All of them end the
// session that returned them.
var (
	ErrChannelMismatch = errors.New("channel mismatch")
	ErrFeedMismatch    = errors.New("discovery key does not match session feed")
	ErrBitfieldDecode  = errors.New("could not decode bitfield")
	ErrStorageWrite    = errors.New("could not write data to feed")
	ErrSend            = errors.New("could not send message")
)

// State is the handshake progress of a session.
type State int

const (
	// StateAwaitingFeed means the peer has not announced the feed yet.
	StateAwaitingFeed State = iota
	// StateAwaitingHandshake means the feed is bound but the peer's
	// handshake has not arrived.
	StateAwaitingHandshake
	// StateReplicating is the steady state once both sides have shaken hands.
	StateReplicating
)

// String returns a string representation of the session state.
func (s State) String() string {
	switch s {
	case StateAwaitingFeed:
		return "AwaitingFeed"
	case StateAwaitingHandshake:
		return "AwaitingHandshake"
	case StateReplicating:
		return "Replicating"
	default:
		return "Unknown"
	}
}

// RequestPolicy decides which blocks a session requests after a Have.
type RequestPolicy int

const (
	// RequestAll requests every index from 0 up to and including the Have's
	// start, on every Have.
	RequestAll RequestPolicy = iota
	// RequestMissing requests only indices in that range the feed lacks.
	RequestMissing
)

// String returns a string representation of the request policy.
func (p RequestPolicy) String() string {
	switch p {
	case RequestAll:
		return "all"
	case RequestMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// ParseRequestPolicy parses the String form of a policy.
func ParseRequestPolicy(s string) (RequestPolicy, error) {
	switch s {
	case "all", "":
		return RequestAll, nil
	case "missing":
		return RequestMissing, nil
	default:
		return 0, fmt.Errorf("unknown request policy %q", s)
	}
}

// Config contains configuration for replication sessions.
type Config struct {
	// RequestPolicy selects which blocks are requested after a Have.
	RequestPolicy RequestPolicy
	// MaxRequests caps the Requests sent for a single Have. Zero means no cap.
	MaxRequests uint64
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		RequestPolicy: RequestAll,
	}
}

// Sender sends a message on a channel of the underlying connection.
type Sender interface {
	Send(ctx context.Context, channel uint64, msg wire.Message) error
}

// Handshaker performs the channel handshake on behalf of a session. OnFeed
// is called when the peer announces the feed and OnHandshake when its
// handshake arrives.
type Handshaker interface {
	OnFeed(ctx context.Context, channel uint64, msg *wire.Feed) error
	OnHandshake(ctx context.Context, channel uint64, msg *wire.Handshake) error
}

// Events handles inbound messages, one method per message kind.
type Events interface {
	OnFeed(ctx context.Context, channel uint64, msg *wire.Feed) error
	OnHandshake(ctx context.Context, channel uint64, msg *wire.Handshake) error
	OnWant(ctx context.Context, channel uint64, msg *wire.Want) error
	OnHave(ctx context.Context, channel uint64, msg *wire.Have) error
	OnRequest(ctx context.Context, channel uint64, msg *wire.Request) error
	OnData(ctx context.Context, channel uint64, msg *wire.Data) error
}

// Dispatch hands msg to the Events method for its kind.
func Dispatch(ctx context.Context, ev Events, channel uint64, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.Feed:
		return ev.OnFeed(ctx, channel, m)
	case *wire.Handshake:
		return ev.OnHandshake(ctx, channel, m)
	case *wire.Want:
		return ev.OnWant(ctx, channel, m)
	case *wire.Have:
		return ev.OnHave(ctx, channel, m)
	case *wire.Request:
		return ev.OnRequest(ctx, channel, m)
	case *wire.Data:
		return ev.OnData(ctx, channel, m)
	default:
		return fmt.Errorf("%w: %s", wire.ErrUnknownKind, msg.Kind())
	}
}
