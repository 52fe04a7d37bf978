package riddle

import (
	"log/slog"
	"time"

	"github.com/riddlenet/riddle/consensus/chain"
	"github.com/riddlenet/riddle/consensus/highlander"
	"github.com/riddlenet/riddle/consensus/messages"
	"github.com/riddlenet/riddle/crypto"
	"github.com/riddlenet/riddle/util"
)

// round is the ephemeral state between two accepted blocks. The excluded set
// survives restarts of the same round (late winners, silent winners) and is
// discarded when the tip moves.
type round struct {
	seed       crypto.Hash
	height     uint64
	tournament *highlander.Tournament
	excluded   util.Set[crypto.Token]
	result     *highlander.Result
	elected    bool
}

// startRound opens a new gathering window on the current tip. Thin nodes
// never run rounds; they only follow the chain.
func (p *Peer) startRound(excluded util.Set[crypto.Token]) {
	if p.cfg.Thin {
		p.state = stateIdle
		return
	}
	tip, height, ok := p.store.Tip()
	if !ok {
		p.state = stateBootstrapping
		return
	}
	if excluded == nil {
		excluded = make(util.Set[crypto.Token])
	}
	participants := p.roundParticipants(tip, excluded)
	if len(participants) == 0 {
		slog.Warn("riddle: cannot start round without participants", "peer", p.token)
		p.state = stateIdle
		return
	}
	tournament := highlander.NewTournament(tip, participants)
	p.round = &round{
		seed:       tip,
		height:     height + 1,
		tournament: tournament,
		excluded:   excluded,
	}
	if tournament.Has(p.token) {
		game := highlander.NewGame(tip, p.credentials, tournament.Levels())
		tournament.AddGame(game, false)
		p.broadcastThrows(game)
	}
	p.state = stateGathering
	p.stopTimer(p.stallTimer)
	p.resetTimer(p.gatherTimer, p.cfg.DataGatherTime)
	slog.Info("riddle: round started", "peer", p.token, "seed", p.round.seed,
		"height", p.round.height, "participants", len(participants))
}

// roundParticipants is the set the tournament runs over. Only the previous
// block's next authors may legally author, so the bracket is restricted to
// the reachable ones; when that list is exhausted every reachable peer
// competes again.
func (p *Peer) roundParticipants(tip crypto.Hash, excluded util.Set[crypto.Token]) []crypto.Token {
	reachable := util.SetFromSlice(p.participants(excluded))
	if prev, err := p.store.Get(tip); err == nil {
		candidates := make([]crypto.Token, 0, len(prev.NextAuthors))
		for _, candidate := range prev.NextAuthors {
			if reachable.Contains(candidate) {
				candidates = append(candidates, candidate)
			}
		}
		if len(candidates) > 0 {
			return util.SortTokens(candidates)
		}
		slog.Info("riddle: next author list exhausted, reopening to all peers",
			"peer", p.token)
	}
	return p.participants(excluded)
}

// closeGatherWindow fires when the gathering deadline expires and moves the
// round to the election stage.
func (p *Peer) closeGatherWindow() {
	if p.state != stateGathering || p.round == nil {
		return
	}
	if p.round.tournament.Size() == 1 && p.round.tournament.Has(p.token) && len(p.pending) == 0 {
		// a sole participant wins by default but only mints once there is
		// something to include; keep the window open
		p.resetTimer(p.gatherTimer, p.cfg.DataGatherTime)
		return
	}
	p.state = stateElecting
	p.resetTimer(p.stallTimer, p.cfg.RelationshipTime)
	p.tryElect()
}

// tryElect resolves the tournament once every participant has committed.
// The late-throw rule applies here: a winner whose commitment was the last
// to arrive past the deadline has the round restarted without it.
func (p *Peer) tryElect() {
	if p.state != stateElecting || p.round == nil || p.round.elected {
		return
	}
	tournament := p.round.tournament
	if !tournament.IsComplete() {
		// the stall timer will restart the round if the holdouts stay silent
		return
	}
	result, err := tournament.Evaluate()
	if err != nil {
		slog.Warn("riddle: tournament could not be resolved", "peer", p.token, "error", err)
		p.restartRound(nil)
		return
	}
	late := tournament.LastLateCommitter()
	if !late.Equal(crypto.ZeroToken) && result.Winner.Equal(late) {
		slog.Info("riddle: rejecting round", "peer", p.token, "error", ErrLateWinner, "winner", late)
		p.restartRound(&late)
		return
	}
	p.round.result = &result
	p.round.elected = true
	if result.Winner.Equal(p.token) {
		if len(p.pending) == 0 {
			// nothing worth sealing yet; propose once data arrives or the
			// round is restarted
			return
		}
		p.propose()
		return
	}
	slog.Info("riddle: waiting for block", "peer", p.token, "winner", result.Winner)
}

// propose assembles, signs, appends and broadcasts this node's block after
// winning the round. The on-block-creation hook runs first under its
// deadline; any failure aborts the round.
func (p *Peer) propose() {
	if p.round == nil || p.round.result == nil {
		return
	}
	p.state = stateProposing
	data := make(map[crypto.Signature]chain.Datum, len(p.pending))
	for signature, datum := range p.pending {
		data[signature] = datum
	}
	if p.onBlock != nil {
		transformed, err := p.runCallback(data)
		if err != nil {
			slog.Warn("riddle: block creation hook failed, restarting round",
				"peer", p.token, "error", err)
			p.restartRound(nil)
			return
		}
		data = transformed
	}
	block := &chain.Block{
		Parent:      p.round.seed,
		Height:      p.round.height,
		Author:      p.token,
		NextAuthors: p.nextAuthors(),
		Games:       p.round.tournament.Transcript(),
	}
	for _, datum := range data {
		block.Data = append(block.Data, datum)
	}
	block.Seal(p.credentials)
	if err := p.store.Append(block); err != nil {
		slog.Error("riddle: could not append own block", "peer", p.token, "error", err)
		p.restartRound(nil)
		return
	}
	p.broadcastBlock(block, crypto.ZeroToken)
	p.commitBlock(block)
}

// nextAuthors nominates the successor candidates for an authored block: the
// highest-climbing tournament losers first, then other reachable peers, the
// author itself only as last resort.
func (p *Peer) nextAuthors() []crypto.Token {
	authors := make([]crypto.Token, 0, p.cfg.NextCandidates)
	chosen := make(util.Set[crypto.Token])
	add := func(token crypto.Token) {
		if len(authors) < p.cfg.NextCandidates && !chosen.Contains(token) {
			authors = append(authors, token)
			chosen[token] = struct{}{}
		}
	}
	for _, token := range p.round.result.Climbers {
		add(token)
	}
	for _, token := range p.participants(nil) {
		if !token.Equal(p.token) {
			add(token)
		}
	}
	if len(authors) == 0 {
		add(p.token)
	}
	return authors
}

func (p *Peer) runCallback(data map[crypto.Signature]chain.Datum) (map[crypto.Signature]chain.Datum, error) {
	type outcome struct {
		data map[crypto.Signature]chain.Datum
		err  error
	}
	result := make(chan outcome, 1)
	go func() {
		transformed, err := p.onBlock(data)
		result <- outcome{data: transformed, err: err}
	}()
	deadline := p.cfg.CallbackDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	select {
	case out := <-result:
		return out.data, out.err
	case <-time.After(deadline):
		return nil, ErrRoundStalled
	}
}

// broadcastThrows floods this node's own commitment for the current round.
func (p *Peer) broadcastThrows(game highlander.Game) {
	msg := (&messages.Throws{Seed: p.round.seed, Game: game}).Serialize()
	p.seen.Observe(crypto.Hasher(msg), p.round.height)
	p.broadcast(msg)
}

// commitBlock finalizes a round after a block (own or remote) was appended:
// included data leave the staging area, gossip entries expire, subscribers
// are notified and the next round opens.
func (p *Peer) commitBlock(block *chain.Block) {
	p.absorbBlock(block)
	p.stopTimer(p.gatherTimer)
	p.stopTimer(p.stallTimer)
	p.round = nil
	slog.Info("riddle: block committed", "peer", p.token, "height", block.Height,
		"hash", block.Hash(), "author", block.Author)
	p.startRound(nil)
}

// stallRound fires when an elected round produced no block in time. The
// round restarts with a refreshed participant set, optionally without the
// silent winner.
func (p *Peer) stallRound() {
	if p.round == nil || p.state == stateGathering {
		return
	}
	slog.Info("riddle: restarting round", "peer", p.token, "error", ErrRoundStalled)
	var silent *crypto.Token
	// a winner with nothing to seal is waiting, not stalling; only exclude
	// one that sat on pending data
	if p.cfg.ExcludeSilentWinner && len(p.pending) > 0 &&
		p.round.result != nil && !p.round.result.Winner.Equal(p.token) {
		winner := p.round.result.Winner
		silent = &winner
	}
	p.restartRound(silent)
}

// restartRound reopens the current round with the same seed, carrying the
// exclusion set and any commitments already received forward; peers only
// broadcast their throws once per seed.
func (p *Peer) restartRound(exclude *crypto.Token) {
	excluded := make(util.Set[crypto.Token])
	var prior *highlander.Tournament
	if p.round != nil {
		prior = p.round.tournament
		for token := range p.round.excluded {
			excluded[token] = struct{}{}
		}
	}
	if exclude != nil {
		excluded[*exclude] = struct{}{}
	}
	p.startRound(excluded)
	if prior == nil || p.round == nil || !p.round.seed.Equal(prior.Seed) {
		return
	}
	for _, game := range prior.Transcript() {
		p.round.tournament.AddGame(game, false)
	}
}

// maybeCreateGenesis authors the genesis block when this node is the
// lexicographically smallest founder of an empty network.
func (p *Peer) maybeCreateGenesis() {
	if p.cfg.Thin || p.round != nil {
		return
	}
	if _, _, ok := p.store.Tip(); ok {
		return
	}
	founders := p.participants(nil)
	if len(founders) < 2 {
		return
	}
	for _, founder := range founders {
		if founder.Less(p.token) {
			return
		}
	}
	slog.Info("riddle: authoring genesis block", "peer", p.token)
	block := &chain.Block{
		Author:      p.token,
		NextAuthors: p.genesisNextAuthors(founders),
	}
	for _, datum := range p.pending {
		block.Data = append(block.Data, datum)
	}
	block.Seal(p.credentials)
	if err := p.store.Append(block); err != nil {
		slog.Error("riddle: could not append genesis block", "peer", p.token, "error", err)
		return
	}
	p.broadcastBlock(block, crypto.ZeroToken)
	p.commitBlock(block)
}

// genesisNextAuthors deterministically nominates the other founders, in
// token order, appending self when they do not fill the list.
func (p *Peer) genesisNextAuthors(founders []crypto.Token) []crypto.Token {
	authors := make([]crypto.Token, 0, p.cfg.NextCandidates)
	for _, founder := range founders {
		if len(authors) == p.cfg.NextCandidates {
			return authors
		}
		if !founder.Equal(p.token) {
			authors = append(authors, founder)
		}
	}
	if len(authors) < p.cfg.NextCandidates {
		authors = append(authors, p.token)
	}
	return authors
}

func (p *Peer) resetTimer(timer *time.Timer, d time.Duration) {
	p.stopTimer(timer)
	timer.Reset(d)
}

func (p *Peer) stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
