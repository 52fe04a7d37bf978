// Package riddle wires the pieces of a node together: the peer registry, the
// gossip surface, the Highlander election and the block store, all driven by
// a single orchestrator goroutine that is the sole mutator of round and chain
// state.
package riddle

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/riddlenet/riddle/consensus/chain"
	"github.com/riddlenet/riddle/consensus/messages"
	"github.com/riddlenet/riddle/crypto"
	"github.com/riddlenet/riddle/middleware/blockdb"
	"github.com/riddlenet/riddle/socket"
	"github.com/riddlenet/riddle/util"
)

var (
	ErrShutdown     = errors.New("peer is shut down")
	ErrRoundStalled = errors.New("no block arrived for the elected round")
	ErrLateWinner   = errors.New("round winner committed its throws last")
	ErrRoundEmpty   = errors.New("round has no participants")
)

// OnBlockCreation is invoked on the elected node before a block is sealed.
// It may validate or transform the pending data; an error aborts the round.
type OnBlockCreation func(map[crypto.Signature]chain.Datum) (map[crypto.Signature]chain.Datum, error)

type nodeState int

const (
	stateBootstrapping nodeState = iota
	stateIdle
	stateGathering
	stateElecting
	stateProposing
)

const (
	lastBlockBuffer = 32
	syncBatchSize   = 32
	seenBlockWindow = 16
	introduceLimit  = 256
)

type peerState struct {
	addr     string
	conn     *socket.CipherConnection
	lastSeen time.Time
	strength int
	thin     bool
}

// Peer is a riddle node. All exported methods are safe for concurrent use;
// they either read through internally synchronized components or relay onto
// the orchestrator loop.
type Peer struct {
	cfg         Config
	credentials crypto.PrivateKey
	token       crypto.Token
	store       *blockdb.Store
	listener    net.Listener

	incoming chan socket.Inbound
	closedCh chan socket.Closed
	sessions chan *socket.CipherConnection
	actions  chan func()
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	// orchestrator-owned state, never touched outside the run loop
	state       nodeState
	registry    map[crypto.Token]*peerState
	retries     map[crypto.Token]int
	pending     map[crypto.Signature]chain.Datum
	seen        *socket.SeenSet
	round       *round
	onBlock     OnBlockCreation
	subscribers []chan chain.Block

	gatherTimer *time.Timer
	stallTimer  *time.Timer
}

func New(cfg Config) (*Peer, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	credentials := cfg.Credentials
	if credentials == (crypto.PrivateKey{}) {
		_, credentials = crypto.RandomKeyPair()
	}
	store, err := blockdb.Open(cfg.Folder, cfg.ForceRestart)
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.AnnounceAddr == "" {
		// with an ephemeral port the configured address is not dialable
		cfg.AnnounceAddr = listener.Addr().String()
	}
	p := &Peer{
		cfg:         cfg,
		credentials: credentials,
		token:       credentials.PublicKey(),
		store:       store,
		listener:    listener,
		incoming:    make(chan socket.Inbound, 256),
		closedCh:    make(chan socket.Closed, 16),
		sessions:    make(chan *socket.CipherConnection, 16),
		actions:     make(chan func(), 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       stateBootstrapping,
		registry:    make(map[crypto.Token]*peerState),
		retries:     make(map[crypto.Token]int),
		pending:     make(map[crypto.Signature]chain.Datum),
		seen:        socket.NewSeenSet(),
		gatherTimer: newStoppedTimer(),
		stallTimer:  newStoppedTimer(),
	}
	if _, height, ok := store.Tip(); ok {
		slog.Info("riddle: chain loaded", "peer", p.token, "height", height)
	} else {
		slog.Info("riddle: starting with empty chain", "peer", p.token)
	}
	go p.acceptLoop()
	go p.run()
	return p, nil
}

func newStoppedTimer() *time.Timer {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func (p *Peer) hello() *messages.Hello {
	hello := &messages.Hello{
		Token:  p.token,
		Listen: p.cfg.announce(),
		Thin:   p.cfg.Thin,
	}
	if tip, height, ok := p.store.Tip(); ok {
		hello.Tip = tip
		hello.Height = height
		if root, err := p.store.GetByHeight(0); err == nil {
			hello.Root = root.Hash()
		}
	}
	return hello
}

func (p *Peer) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			session, err := socket.Promote(p.cfg.socketConfig(p.credentials), conn, p.hello())
			if err != nil {
				slog.Info("riddle: could not promote connection", "peer", p.token, "error", err)
				return
			}
			select {
			case p.sessions <- session:
			case <-p.done:
				session.Shutdown()
			}
		}(conn)
	}
}

func (p *Peer) run() {
	ticker := time.NewTicker(p.cfg.RelationshipTime)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			p.shutdown()
			return
		case session := <-p.sessions:
			p.addSession(session)
		case inbound := <-p.incoming:
			p.handleFrame(inbound)
		case closed := <-p.closedCh:
			p.dropSession(closed)
		case fn := <-p.actions:
			fn()
		case <-p.gatherTimer.C:
			p.closeGatherWindow()
		case <-p.stallTimer.C:
			p.stallRound()
		case <-ticker.C:
			p.checkRelationships()
		}
	}
}

func (p *Peer) shutdown() {
	bye := messages.ByeMessage()
	for _, state := range p.registry {
		if state.conn != nil {
			state.conn.Send(bye)
		}
	}
	p.listener.Close()
	// give the writers a moment to drain the goodbyes
	time.Sleep(50 * time.Millisecond)
	for _, state := range p.registry {
		if state.conn != nil {
			state.conn.Shutdown()
		}
	}
	p.store.Close()
	for _, subscriber := range p.subscribers {
		close(subscriber)
	}
	close(p.done)
	slog.Info("riddle: shutdown complete", "peer", p.token)
}

func (p *Peer) do(fn func()) error {
	select {
	case p.actions <- fn:
		return nil
	case <-p.done:
		return ErrShutdown
	}
}

// Token is the node's public identity.
func (p *Peer) Token() crypto.Token {
	return p.token
}

// Addr is the actual listen address, which differs from the configured one
// when an ephemeral port was requested.
func (p *Peer) Addr() string {
	return p.listener.Addr().String()
}

// Connect dials another peer. The connection is established asynchronously;
// failures are retried on the relationship schedule.
func (p *Peer) Connect(addr string) error {
	select {
	case <-p.done:
		return ErrShutdown
	default:
	}
	go p.dial(addr, crypto.ZeroToken, p.cfg.RelationshipRetry)
	return nil
}

// Share signs data as a pending datum and gossips it to the network. The
// datum stays staged until some block includes it.
func (p *Peer) Share(data []byte) error {
	datum := chain.NewDatum(data, p.credentials)
	return p.do(func() {
		p.stageDatum(datum, crypto.ZeroToken)
	})
}

// SetOnBlockCreation installs the hook invoked before this node seals a
// block it has won the right to author.
func (p *Peer) SetOnBlockCreation(cb OnBlockCreation) error {
	return p.do(func() {
		p.onBlock = cb
	})
}

// LastBlockReceiver subscribes to committed blocks. The channel is bounded;
// a lagging subscriber loses the oldest buffered block with a warning. The
// channel closes on shutdown.
func (p *Peer) LastBlockReceiver() (<-chan chain.Block, error) {
	subscriber := make(chan chain.Block, lastBlockBuffer)
	err := p.do(func() {
		p.subscribers = append(p.subscribers, subscriber)
	})
	if err != nil {
		return nil, err
	}
	return subscriber, nil
}

// Blocks walks the stored chain from the given height.
func (p *Peer) Blocks(from uint64, fn func(*chain.Block) error) error {
	return p.store.Each(from, fn)
}

// ConnectedTokens lists the peers currently holding a live session.
func (p *Peer) ConnectedTokens() ([]crypto.Token, error) {
	var tokens []crypto.Token
	err := p.do(func() {
		for token, state := range p.registry {
			if state.conn != nil {
				tokens = append(tokens, token)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return p.await(func() []crypto.Token { return tokens })
}

// KnownTokens lists every peer the node has learned about, online or not.
func (p *Peer) KnownTokens() ([]crypto.Token, error) {
	var tokens []crypto.Token
	err := p.do(func() {
		for token := range p.registry {
			tokens = append(tokens, token)
		}
	})
	if err != nil {
		return nil, err
	}
	return p.await(func() []crypto.Token { return tokens })
}

// await flushes the action queue so the preceding closure has run.
func (p *Peer) await(read func() []crypto.Token) ([]crypto.Token, error) {
	flushed := make(chan struct{})
	if err := p.do(func() { close(flushed) }); err != nil {
		return nil, err
	}
	select {
	case <-flushed:
		return util.SortTokens(read()), nil
	case <-p.done:
		return nil, ErrShutdown
	}
}

// Shutdown broadcasts a goodbye, tears down every session, flushes the block
// store and returns once the orchestrator has exited.
func (p *Peer) Shutdown() {
	p.quitOnce.Do(func() { close(p.quit) })
	<-p.done
}

func (p *Peer) connections() []*socket.CipherConnection {
	conns := make([]*socket.CipherConnection, 0, len(p.registry))
	for _, state := range p.registry {
		if state.conn != nil {
			conns = append(conns, state.conn)
		}
	}
	return conns
}

func (p *Peer) broadcast(msg []byte) {
	socket.Broadcast(p.connections(), msg)
}

func (p *Peer) broadcastExcept(msg []byte, except crypto.Token) {
	socket.BroadcastExcept(p.connections(), msg, except)
}

func (p *Peer) notifyBlock(b *chain.Block) {
	for _, subscriber := range p.subscribers {
		select {
		case subscriber <- *b:
			continue
		default:
		}
		select {
		case <-subscriber:
			slog.Warn("riddle: block subscriber lagging, dropping oldest", "peer", p.token)
		default:
		}
		select {
		case subscriber <- *b:
		default:
		}
	}
}

// participants is the round participant set: every connected non-thin peer
// plus self, minus the given exclusions.
func (p *Peer) participants(excluded util.Set[crypto.Token]) []crypto.Token {
	tokens := make([]crypto.Token, 0, len(p.registry)+1)
	if !excluded.Contains(p.token) {
		tokens = append(tokens, p.token)
	}
	for token, state := range p.registry {
		if state.conn != nil && !state.thin && !excluded.Contains(token) {
			tokens = append(tokens, token)
		}
	}
	return util.SortTokens(tokens)
}
