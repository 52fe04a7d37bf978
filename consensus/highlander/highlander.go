// Package highlander implements the deterministic leader election tournament.
// All honest nodes holding the same seed and the same committed throw vectors
// compute the same winner.
package highlander

import (
	"errors"
	"sort"

	"github.com/riddlenet/riddle/crypto"
	"github.com/riddlenet/riddle/util"
)

const (
	Rock     byte = 0
	Paper    byte = 1
	Scissors byte = 2
)

var (
	ErrIncomplete = errors.New("tournament is missing throw commitments")
	ErrEmpty      = errors.New("tournament has no participants")
)

// Levels is the number of single-elimination rounds for a bracket of count
// participants.
func Levels(count int) int {
	levels := 0
	for 1<<levels < count {
		levels++
	}
	return levels
}

// beats reports whether throw a defeats throw b under standard
// rock-paper-scissors.
func beats(a, b byte) bool {
	return (a == Rock && b == Scissors) ||
		(a == Paper && b == Rock) ||
		(a == Scissors && b == Paper)
}

// DeriveThrows builds a node's throw vector for a round: byte i of
// sha256(seed || secret), modulo 3, rehashing every 32 levels. Derivation is
// deterministic so a committed vector can be audited after the fact.
func DeriveThrows(seed crypto.Hash, secret crypto.PrivateKey, levels int) []byte {
	throws := make([]byte, levels)
	digest := crypto.HashPair(seed[:], secret[:])
	for n := 0; n < levels; n++ {
		if n > 0 && n%crypto.Size == 0 {
			digest = crypto.Hasher(digest[:])
		}
		throws[n] = digest[n%crypto.Size] % 3
	}
	return throws
}

// Game is one participant's signed throw commitment for a round. The
// signature covers sha256(seed || throws), binding the vector to the round.
type Game struct {
	Author    crypto.Token
	Throws    []byte
	Signature crypto.Signature
}

func NewGame(seed crypto.Hash, credentials crypto.PrivateKey, levels int) Game {
	throws := DeriveThrows(seed, credentials, levels)
	return Game{
		Author:    credentials.PublicKey(),
		Throws:    throws,
		Signature: credentials.Sign(commitment(seed, throws)),
	}
}

func commitment(seed crypto.Hash, throws []byte) []byte {
	msg := make([]byte, 0, crypto.Size+len(throws))
	msg = append(msg, seed[:]...)
	msg = append(msg, throws...)
	return msg
}

func (g Game) Validate(seed crypto.Hash) bool {
	for _, throw := range g.Throws {
		if throw > Scissors {
			return false
		}
	}
	return g.Author.Verify(commitment(seed, g.Throws), g.Signature)
}

func (g Game) Serialize() []byte {
	bytes := make([]byte, 0)
	PutGame(g, &bytes)
	return bytes
}

func PutGame(g Game, data *[]byte) {
	util.PutToken(g.Author, data)
	util.PutByteArray(g.Throws, data)
	util.PutSignature(g.Signature, data)
}

func ParseGame(data []byte, position int) (Game, int) {
	var g Game
	g.Author, position = util.ParseToken(data, position)
	g.Throws, position = util.ParseByteArray(data, position)
	g.Signature, position = util.ParseSignature(data, position)
	return g, position
}

// Tournament is the per-round election state: the participant set, the throw
// commitments received so far and the last one that arrived late.
type Tournament struct {
	Seed     crypto.Hash
	roster   map[crypto.Token]*Game
	lastLate crypto.Token
}

func NewTournament(seed crypto.Hash, participants []crypto.Token) *Tournament {
	roster := make(map[crypto.Token]*Game, len(participants))
	for _, token := range participants {
		roster[token] = nil
	}
	return &Tournament{Seed: seed, roster: roster}
}

func (t *Tournament) Size() int {
	return len(t.roster)
}

func (t *Tournament) Levels() int {
	return Levels(len(t.roster))
}

func (t *Tournament) Participants() []crypto.Token {
	tokens := make([]crypto.Token, 0, len(t.roster))
	for token := range t.roster {
		tokens = append(tokens, token)
	}
	return util.SortTokens(tokens)
}

func (t *Tournament) Has(token crypto.Token) bool {
	_, ok := t.roster[token]
	return ok
}

// Exclude removes a participant, dropping any commitment it already made.
func (t *Tournament) Exclude(token crypto.Token) {
	delete(t.roster, token)
}

// AddGame stages a validated commitment. It is rejected if the author is not
// a participant, already committed, carries too short a vector or an invalid
// signature. Longer vectors are accepted: the committer may have seen a
// larger participant set than this node did. late marks commitments that
// arrived after the gathering deadline.
func (t *Tournament) AddGame(g Game, late bool) bool {
	staged, ok := t.roster[g.Author]
	if !ok || staged != nil {
		return false
	}
	if len(g.Throws) < t.Levels() {
		return false
	}
	if !g.Validate(t.Seed) {
		return false
	}
	t.roster[g.Author] = &g
	if late {
		t.lastLate = g.Author
	}
	return true
}

func (t *Tournament) IsComplete() bool {
	if len(t.roster) == 0 {
		return false
	}
	for _, game := range t.roster {
		if game == nil {
			return false
		}
	}
	return true
}

func (t *Tournament) Missing() []crypto.Token {
	missing := make([]crypto.Token, 0)
	for token, game := range t.roster {
		if game == nil {
			missing = append(missing, token)
		}
	}
	return util.SortTokens(missing)
}

// LastLateCommitter is the most recent participant whose commitment arrived
// past the gathering deadline, or the zero token if none did.
func (t *Tournament) LastLateCommitter() crypto.Token {
	return t.lastLate
}

// bracketOrder permutes the participant set deterministically per round:
// sorted by sha256(seed || token), token order breaking hash ties.
func (t *Tournament) bracketOrder() []crypto.Token {
	tokens := t.Participants()
	keys := make(map[crypto.Token]crypto.Hash, len(tokens))
	for _, token := range tokens {
		keys[token] = crypto.HashPair(t.Seed[:], token[:])
	}
	sort.SliceStable(tokens, func(i, j int) bool {
		a, b := keys[tokens[i]], keys[tokens[j]]
		if a.Equal(b) {
			return tokens[i].Less(tokens[j])
		}
		for n := 0; n < crypto.Size; n++ {
			if a[n] != b[n] {
				return a[n] < b[n]
			}
		}
		return false
	})
	return tokens
}

// Result of a fully resolved tournament. Climbers are the eliminated
// participants ordered by how far they advanced (furthest first, token order
// within a level); they are the candidate authors for the next round.
type Result struct {
	Winner   crypto.Token
	Climbers []crypto.Token
}

// NextAuthors selects count successor candidates: the highest-climbing
// losers, with the winner appended as final fallback when too few exist.
func (r Result) NextAuthors(count int) []crypto.Token {
	authors := make([]crypto.Token, 0, count)
	for _, token := range r.Climbers {
		if len(authors) == count {
			return authors
		}
		authors = append(authors, token)
	}
	if len(authors) < count {
		authors = append(authors, r.Winner)
	}
	return authors
}

// Evaluate folds the bracket bottom-up. Leaves are the permuted participants
// padded with byes; a bye loses to any real player; ties go to the
// lexicographically smaller token. Every honest node computes the same
// result from the same commitments.
func (t *Tournament) Evaluate() (Result, error) {
	if len(t.roster) == 0 {
		return Result{}, ErrEmpty
	}
	if !t.IsComplete() {
		return Result{}, ErrIncomplete
	}
	order := t.bracketOrder()
	levels := Levels(len(order))
	eliminated := make([]int, len(order))

	slots := make([]int, 1<<levels)
	for n := range slots {
		if n < len(order) {
			slots[n] = n
		} else {
			slots[n] = -1
		}
	}
	for level := 0; level < levels; level++ {
		next := make([]int, len(slots)/2)
		for n := 0; n < len(slots); n += 2 {
			next[n/2] = t.match(order, eliminated, slots[n], slots[n+1], level)
		}
		slots = next
	}
	winner := order[slots[0]]

	climbers := make([]crypto.Token, 0, len(order)-1)
	for level := levels - 1; level >= 0; level-- {
		atLevel := make([]crypto.Token, 0)
		for n, token := range order {
			if token != winner && eliminated[n] == level {
				atLevel = append(atLevel, token)
			}
		}
		climbers = append(climbers, util.SortTokens(atLevel)...)
	}
	return Result{Winner: winner, Climbers: climbers}, nil
}

func (t *Tournament) match(order []crypto.Token, eliminated []int, a, b, level int) int {
	if a < 0 {
		return b
	}
	if b < 0 {
		return a
	}
	va := t.roster[order[a]].Throws[level]
	vb := t.roster[order[b]].Throws[level]
	winner, loser := a, b
	if beats(vb, va) {
		winner, loser = b, a
	} else if va == vb && order[b].Less(order[a]) {
		winner, loser = b, a
	}
	eliminated[loser] = level
	return winner
}

// Transcript is the proof of victory embedded in a block: every commitment
// in bracket order. Replaying it reconstructs the bracket and the winner.
func (t *Tournament) Transcript() []Game {
	order := t.bracketOrder()
	games := make([]Game, 0, len(order))
	for _, token := range order {
		if game := t.roster[token]; game != nil {
			games = append(games, *game)
		}
	}
	return games
}

// ReplayTranscript rebuilds a tournament from a block's transcript. Every
// commitment must validate under the seed; the participant set is exactly
// the transcript's authors.
func ReplayTranscript(seed crypto.Hash, games []Game) (*Tournament, error) {
	participants := make([]crypto.Token, 0, len(games))
	for _, game := range games {
		participants = append(participants, game.Author)
	}
	tournament := NewTournament(seed, participants)
	for _, game := range games {
		if !tournament.AddGame(game, false) {
			return nil, ErrIncomplete
		}
	}
	return tournament, nil
}
