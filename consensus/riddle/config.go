package riddle

import (
	"errors"
	"fmt"
	"time"

	"github.com/riddlenet/riddle/crypto"
	"github.com/riddlenet/riddle/socket"
)

var ErrConfig = errors.New("invalid configuration")

// Config is the programmatic configuration of a peer. Zero credentials mean
// a fresh random identity.
type Config struct {
	// Addr is the listen socket.
	Addr string
	// AnnounceAddr is the address other peers should dial. Defaults to Addr;
	// must be set when listening behind a proxy.
	AnnounceAddr string
	// Folder is the block store path.
	Folder string
	// Credentials is the node's long-term key.
	Credentials crypto.PrivateKey
	// KeepAlive is the idle ping interval; a session with no frame for twice
	// this duration is closed.
	KeepAlive time.Duration
	// DataGatherTime is the round gathering window.
	DataGatherTime time.Duration
	// Thin nodes follow the chain but do not take part in block creation and
	// keep only a bounded suffix of the chain on disk.
	Thin bool
	// ThinRetain is how many recent blocks a thin node keeps.
	ThinRetain uint64
	// RelationshipTime is the dial retry interval, and also how long an
	// elected round may stall before it is restarted.
	RelationshipTime time.Duration
	// RelationshipCount is the target number of live connections.
	RelationshipCount int
	// RelationshipRetry is how many dial attempts are made before a known
	// peer is given up on.
	RelationshipRetry int
	// NextCandidates is the length of the next-author list in blocks this
	// node authors.
	NextCandidates int
	// ForceRestart wipes the local chain on startup.
	ForceRestart bool
	// Proxy is an optional Socks5 endpoint used for dialing.
	Proxy string
	// MaxFrameSize caps wire frames; defaults to socket.DefaultMaxFrameSize.
	MaxFrameSize int
	// CallbackDeadline bounds the on-block-creation callback; on expiry the
	// round is aborted.
	CallbackDeadline time.Duration
	// ExcludeSilentWinner removes a winner that never produced its block from
	// the restarted round's participant set.
	ExcludeSilentWinner bool
}

func DefaultConfig() Config {
	return Config{
		Addr:                "0.0.0.0:29092",
		Folder:              "data",
		KeepAlive:           1900 * time.Millisecond,
		DataGatherTime:      750 * time.Millisecond,
		ThinRetain:          16,
		RelationshipTime:    10 * time.Second,
		RelationshipCount:   3,
		RelationshipRetry:   3,
		NextCandidates:      3,
		CallbackDeadline:    5 * time.Second,
		ExcludeSilentWinner: true,
	}
}

func (c Config) Check() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: listen address not set", ErrConfig)
	}
	if c.Folder == "" {
		return fmt.Errorf("%w: block store folder not set", ErrConfig)
	}
	if c.KeepAlive <= 0 {
		return fmt.Errorf("%w: keep alive interval must be positive", ErrConfig)
	}
	if c.DataGatherTime <= 0 {
		return fmt.Errorf("%w: data gather time must be positive", ErrConfig)
	}
	if c.RelationshipTime <= 0 {
		return fmt.Errorf("%w: relationship time must be positive", ErrConfig)
	}
	if c.RelationshipCount < 1 {
		return fmt.Errorf("%w: relationship count must be at least one", ErrConfig)
	}
	if c.NextCandidates < 1 {
		return fmt.Errorf("%w: next candidates must be at least one", ErrConfig)
	}
	if c.Thin && c.ThinRetain == 0 {
		return fmt.Errorf("%w: thin nodes must retain at least one block", ErrConfig)
	}
	return nil
}

func (c Config) announce() string {
	if c.AnnounceAddr != "" {
		return c.AnnounceAddr
	}
	return c.Addr
}

func (c Config) socketConfig(credentials crypto.PrivateKey) socket.Config {
	return socket.Config{
		Credentials: credentials,
		KeepAlive:   c.KeepAlive,
		MaxFrame:    c.MaxFrameSize,
		Proxy:       c.Proxy,
	}
}
