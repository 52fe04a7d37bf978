package riddle

import (
	"log/slog"
	"sort"
	"time"

	"github.com/riddlenet/riddle/consensus/chain"
	"github.com/riddlenet/riddle/consensus/messages"
	"github.com/riddlenet/riddle/crypto"
	"github.com/riddlenet/riddle/socket"
)

// addSession registers a freshly promoted connection, exchanges peer lists
// and decides whether to sync the chain or found it.
func (p *Peer) addSession(conn *socket.CipherConnection) {
	if conn.Token.Equal(p.token) {
		conn.Shutdown()
		return
	}
	state, ok := p.registry[conn.Token]
	if ok && state.conn != nil {
		// keep the established session, drop the duplicate
		conn.Shutdown()
		return
	}
	if !ok {
		state = &peerState{}
		p.registry[conn.Token] = state
	}
	state.conn = conn
	state.addr = conn.Hello.Listen
	state.thin = conn.Hello.Thin
	state.lastSeen = time.Now()
	delete(p.retries, conn.Token)
	conn.Listen(p.incoming, p.closedCh, p.done)
	slog.Info("riddle: session established", "peer", p.token, "remote", conn.Token,
		"addr", state.addr, "thin", state.thin)

	conn.Send(messages.IntroduceMessage(p.knownPeers(conn.Token)))

	_, height, hasTip := p.store.Tip()
	remote := conn.Hello
	if !remote.Tip.IsZero() && (!hasTip || remote.Height > height) {
		from := uint64(0)
		if hasTip {
			from = height + 1
		}
		conn.Send(messages.RequestBlocksMessage(from))
	} else if !hasTip && remote.Tip.IsZero() {
		p.maybeCreateGenesis()
	}
	if _, _, ok := p.store.Tip(); ok && p.round == nil && p.state != stateProposing {
		p.startRound(nil)
	}
}

func (p *Peer) knownPeers(except crypto.Token) []messages.PeerAddr {
	peers := make([]messages.PeerAddr, 0, len(p.registry)+1)
	peers = append(peers, messages.PeerAddr{Token: p.token, Addr: p.cfg.announce()})
	for token, state := range p.registry {
		if len(peers) == introduceLimit {
			break
		}
		if token.Equal(except) || state.addr == "" || state.thin {
			continue
		}
		peers = append(peers, messages.PeerAddr{Token: token, Addr: state.addr})
	}
	return peers
}

func (p *Peer) dropSession(closed socket.Closed) {
	state, ok := p.registry[closed.Token]
	if !ok || state.conn == nil {
		return
	}
	state.conn = nil
	slog.Info("riddle: session closed", "peer", p.token, "remote", closed.Token,
		"error", closed.Err)
}

func (p *Peer) handleFrame(inbound socket.Inbound) {
	state, ok := p.registry[inbound.Token]
	if !ok || state.conn == nil {
		return
	}
	state.lastSeen = time.Now()
	state.strength++
	if len(inbound.Data) == 0 {
		return
	}
	switch inbound.Data[0] {
	case messages.MsgIntroduce:
		p.handleIntroduce(inbound)
	case messages.MsgPendingData:
		p.handlePendingData(inbound)
	case messages.MsgThrows:
		p.handleThrows(inbound)
	case messages.MsgBlock:
		p.handleBlock(inbound)
	case messages.MsgRequestBlocks:
		p.handleRequestBlocks(inbound, state)
	case messages.MsgBlocks:
		p.handleBlocks(inbound)
	case messages.MsgBye:
		p.handleBye(inbound, state)
	default:
		slog.Info("riddle: closing session", "peer", p.token, "remote", inbound.Token,
			"error", messages.ErrBadTag)
		p.closeSession(state)
	}
}

func (p *Peer) closeSession(state *peerState) {
	if state.conn != nil {
		state.conn.Shutdown()
		state.conn = nil
	}
}

func (p *Peer) handleIntroduce(inbound socket.Inbound) {
	peers, err := messages.ParseIntroduce(inbound.Data)
	if err != nil {
		p.protocolError(inbound.Token, err)
		return
	}
	for _, peer := range peers {
		if peer.Token.Equal(p.token) || peer.Addr == "" {
			continue
		}
		if _, ok := p.registry[peer.Token]; !ok {
			p.registry[peer.Token] = &peerState{addr: peer.Addr}
		}
	}
	p.dialUnderTarget()
}

func (p *Peer) handlePendingData(inbound socket.Inbound) {
	datum, err := messages.ParsePendingData(inbound.Data)
	if err != nil {
		p.protocolError(inbound.Token, err)
		return
	}
	if !datum.Validate() {
		p.protocolError(inbound.Token, chain.ErrBadSig)
		return
	}
	p.stageDatum(datum, inbound.Token)
}

// stageDatum stores a pending datum, deduplicating on the signature, and
// flood-gossips new ones.
func (p *Peer) stageDatum(datum chain.Datum, from crypto.Token) {
	_, height, _ := p.store.Tip()
	if !p.seen.Observe(crypto.Hasher(datum.Signature[:]), height+seenBlockWindow) {
		return
	}
	if _, ok := p.pending[datum.Signature]; ok {
		return
	}
	p.pending[datum.Signature] = datum
	p.broadcastExcept(messages.PendingDataMessage(datum), from)
	if p.state == stateElecting && p.round != nil && p.round.elected &&
		p.round.result.Winner.Equal(p.token) {
		// the deferred winner finally has something to seal
		p.propose()
	}
}

func (p *Peer) handleThrows(inbound socket.Inbound) {
	throws, err := messages.ParseThrows(inbound.Data)
	if err != nil {
		p.protocolError(inbound.Token, err)
		return
	}
	// the seen set only bounds forwarding; a restarted round may legitimately
	// need a commitment that was already relayed once
	_, height, _ := p.store.Tip()
	if p.seen.Observe(crypto.Hasher(inbound.Data), height+1) {
		p.broadcastExcept(inbound.Data, inbound.Token)
	}
	if p.round == nil || !throws.Seed.Equal(p.round.seed) {
		return
	}
	late := p.state != stateGathering
	if p.round.tournament.AddGame(throws.Game, late) && p.state == stateElecting {
		p.tryElect()
	}
}

func (p *Peer) handleBlock(inbound socket.Inbound) {
	block, err := messages.ParseBlockMessage(inbound.Data)
	if err != nil {
		p.protocolError(inbound.Token, err)
		return
	}
	hash := block.Hash()
	if p.store.Has(hash) {
		return
	}
	if p.round != nil && p.round.excluded.Contains(block.Author) {
		slog.Info("riddle: dropping block from excluded author", "peer", p.token,
			"author", block.Author)
		return
	}
	tip, height, hasTip := p.store.Tip()
	if !hasTip {
		if err := chain.ValidateGenesis(block, p.participants(nil)); err != nil {
			slog.Info("riddle: dropping genesis block", "peer", p.token, "error", err)
			return
		}
	} else {
		if !block.Parent.Equal(tip) {
			if block.Height > height+1 {
				// we are behind; ask the sender for the gap
				if state := p.registry[inbound.Token]; state != nil && state.conn != nil {
					state.conn.Send(messages.RequestBlocksMessage(height + 1))
				}
			}
			return
		}
		prev, err := p.store.Get(tip)
		if err != nil {
			slog.Error("riddle: could not load tip block", "peer", p.token, "error", err)
			return
		}
		err = chain.ValidateChild(prev, block)
		if err == chain.ErrBadAuthor && p.nextAuthorsExhausted(prev) {
			err = chain.ValidateFallback(prev, block)
		}
		if err != nil {
			slog.Info("riddle: dropping block", "peer", p.token, "error", err,
				"author", block.Author)
			return
		}
	}
	if err := p.store.Append(block); err != nil {
		slog.Error("riddle: could not append block", "peer", p.token, "error", err)
		return
	}
	if p.seen.Observe(hash, block.Height+seenBlockWindow) {
		p.broadcastExcept(messages.BlockMessage(block), inbound.Token)
	}
	p.commitBlock(block)
}

// nextAuthorsExhausted reports whether none of the nominated successors is
// reachable from this node's point of view.
func (p *Peer) nextAuthorsExhausted(prev *chain.Block) bool {
	for _, candidate := range prev.NextAuthors {
		if candidate.Equal(p.token) {
			return false
		}
		if state, ok := p.registry[candidate]; ok && state.conn != nil && !state.thin {
			return false
		}
	}
	return true
}

// broadcastBlock floods an own block and marks it seen so relays bounce off.
func (p *Peer) broadcastBlock(block *chain.Block, except crypto.Token) {
	p.seen.Observe(block.Hash(), block.Height+seenBlockWindow)
	p.broadcastExcept(messages.BlockMessage(block), except)
}

func (p *Peer) handleRequestBlocks(inbound socket.Inbound, state *peerState) {
	from, err := messages.ParseRequestBlocks(inbound.Data)
	if err != nil {
		p.protocolError(inbound.Token, err)
		return
	}
	batch := make([]*chain.Block, 0, syncBatchSize)
	flush := func() {
		if len(batch) > 0 && state.conn != nil {
			state.conn.Send(messages.BlocksMessage(batch))
			batch = make([]*chain.Block, 0, syncBatchSize)
		}
	}
	err = p.store.Each(from, func(block *chain.Block) error {
		batch = append(batch, block)
		if len(batch) == syncBatchSize {
			flush()
		}
		return nil
	})
	if err != nil {
		slog.Error("riddle: could not serve block request", "peer", p.token, "error", err)
		return
	}
	flush()
}

func (p *Peer) handleBlocks(inbound socket.Inbound) {
	blocks, err := messages.ParseBlocks(inbound.Data)
	if err != nil {
		p.protocolError(inbound.Token, err)
		return
	}
	applied := false
	for _, block := range blocks {
		if p.store.Has(block.Hash()) {
			continue
		}
		tip, _, hasTip := p.store.Tip()
		if !hasTip {
			if err := chain.ValidateGenesis(block, nil); err != nil {
				slog.Info("riddle: rejecting synced genesis", "peer", p.token, "error", err)
				return
			}
		} else {
			prev, err := p.store.Get(tip)
			if err != nil {
				slog.Error("riddle: could not load tip block", "peer", p.token, "error", err)
				return
			}
			if err := chain.ValidateChild(prev, block); err != nil {
				slog.Info("riddle: rejecting synced block", "peer", p.token, "error", err)
				return
			}
		}
		if err := p.store.Append(block); err != nil {
			slog.Error("riddle: could not append synced block", "peer", p.token, "error", err)
			return
		}
		p.absorbBlock(block)
		applied = true
	}
	if applied {
		p.stopTimer(p.gatherTimer)
		p.stopTimer(p.stallTimer)
		p.round = nil
		p.startRound(nil)
	}
}

func (p *Peer) handleBye(inbound socket.Inbound, state *peerState) {
	slog.Info("riddle: peer said goodbye", "peer", p.token, "remote", inbound.Token)
	p.closeSession(state)
	delete(p.registry, inbound.Token)
	delete(p.retries, inbound.Token)
}

func (p *Peer) protocolError(token crypto.Token, err error) {
	slog.Info("riddle: closing session on protocol error", "peer", p.token,
		"remote", token, "error", err)
	if state, ok := p.registry[token]; ok {
		p.closeSession(state)
	}
}

// checkRelationships runs on the relationship tick: redial known peers while
// under the live connection target and advertise the known set.
func (p *Peer) checkRelationships() {
	live := 0
	for _, state := range p.registry {
		if state.conn != nil {
			live++
		}
	}
	if live >= p.cfg.RelationshipCount {
		return
	}
	p.broadcast(messages.IntroduceMessage(p.knownPeers(crypto.ZeroToken)))
	p.dialUnderTarget()
}

func (p *Peer) dialUnderTarget() {
	live := 0
	for _, state := range p.registry {
		if state.conn != nil {
			live++
		}
	}
	order := make([]crypto.Token, 0, len(p.registry))
	for token := range p.registry {
		order = append(order, token)
	}
	// strongest relationships are dialed first
	sort.SliceStable(order, func(i, j int) bool {
		return p.registry[order[i]].strength > p.registry[order[j]].strength
	})
	for _, token := range order {
		state := p.registry[token]
		if live >= p.cfg.RelationshipCount {
			return
		}
		if state.conn != nil || state.addr == "" {
			continue
		}
		if p.retries[token] >= p.cfg.RelationshipRetry {
			delete(p.registry, token)
			delete(p.retries, token)
			continue
		}
		p.retries[token]++
		live++
		go p.dial(state.addr, token, 0)
	}
}

// dial runs off the orchestrator loop; an established session comes back
// through the sessions channel, failures are retried on the relationship
// schedule while retries remain.
func (p *Peer) dial(addr string, expected crypto.Token, retries int) {
	conn, err := socket.Dial(p.cfg.socketConfig(p.credentials), addr, p.hello(), expected)
	if err != nil {
		slog.Info("riddle: could not dial peer", "peer", p.token, "addr", addr, "error", err)
		if retries > 0 {
			time.AfterFunc(p.cfg.RelationshipTime, func() {
				select {
				case <-p.done:
				default:
					p.dial(addr, expected, retries-1)
				}
			})
		}
		return
	}
	select {
	case p.sessions <- conn:
	case <-p.done:
		conn.Shutdown()
	}
}

// absorbBlock applies a committed block's side effects without opening a new
// round: staging cleanup, gossip expiry, subscriber notification and thin
// history trimming.
func (p *Peer) absorbBlock(block *chain.Block) {
	for _, datum := range block.Data {
		delete(p.pending, datum.Signature)
	}
	p.seen.ExpireThrough(block.Height)
	p.notifyBlock(block)
	if p.cfg.Thin && block.Height >= p.cfg.ThinRetain {
		if err := p.store.TrimBefore(block.Height - p.cfg.ThinRetain + 1); err != nil {
			slog.Warn("riddle: could not trim chain history", "peer", p.token, "error", err)
		}
	}
}
