package chain

import (
	"bytes"
	"testing"

	"github.com/riddlenet/riddle/consensus/highlander"
	"github.com/riddlenet/riddle/crypto"
)

func TestDatumValidate(t *testing.T) {
	_, key := crypto.RandomKeyPair()
	datum := NewDatum([]byte("hello"), key)
	if !datum.Validate() {
		t.Error("fresh datum must validate")
	}
	datum.Payload = []byte("tampered")
	if datum.Validate() {
		t.Error("tampered datum validated")
	}
}

func TestDatumRoundTrip(t *testing.T) {
	_, key := crypto.RandomKeyPair()
	datum := NewDatum([]byte("payload bytes"), key)
	data := make([]byte, 0)
	PutDatum(datum, &data)
	parsed, position := ParseDatum(data, 0)
	if position != len(data) {
		t.Fatal("datum parse did not consume the encoding")
	}
	if parsed.Author != datum.Author || !bytes.Equal(parsed.Payload, datum.Payload) ||
		parsed.Signature != datum.Signature {
		t.Error("datum round trip mismatch")
	}
}

type signer struct {
	token crypto.Token
	key   crypto.PrivateKey
}

func newSigner() signer {
	token, key := crypto.RandomKeyPair()
	return signer{token: token, key: key}
}

// buildRound runs a full tournament over the given players seeded by prev and
// returns a sealed block authored by the winner.
func buildRound(t *testing.T, prev *Block, players []signer, data []Datum) *Block {
	t.Helper()
	seed := prev.Hash()
	tokens := make([]crypto.Token, len(players))
	byToken := make(map[crypto.Token]signer)
	for n, p := range players {
		tokens[n] = p.token
		byToken[p.token] = p
	}
	tournament := highlander.NewTournament(seed, tokens)
	for _, p := range players {
		tournament.AddGame(highlander.NewGame(seed, p.key, tournament.Levels()), false)
	}
	result, err := tournament.Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	winner := byToken[result.Winner]
	block := &Block{
		Parent:      seed,
		Height:      prev.Height + 1,
		Author:      winner.token,
		NextAuthors: result.NextAuthors(2),
		Games:       tournament.Transcript(),
		Data:        data,
	}
	block.Seal(winner.key)
	return block
}

// notSmallest filters out the genesis author, leaving the founders that the
// genesis block nominates.
func notSmallest(founders []signer) []signer {
	smallest := founders[0]
	for _, founder := range founders[1:] {
		if founder.token.Less(smallest.token) {
			smallest = founder
		}
	}
	others := make([]signer, 0, len(founders)-1)
	for _, founder := range founders {
		if !founder.token.Equal(smallest.token) {
			others = append(others, founder)
		}
	}
	return others
}

func genesisBlock(t *testing.T, founders []signer) *Block {
	t.Helper()
	smallest := founders[0]
	for _, founder := range founders[1:] {
		if founder.token.Less(smallest.token) {
			smallest = founder
		}
	}
	next := make([]crypto.Token, 0)
	for _, founder := range founders {
		if !founder.token.Equal(smallest.token) {
			next = append(next, founder.token)
		}
	}
	block := &Block{
		Author:      smallest.token,
		NextAuthors: next,
	}
	block.Seal(smallest.key)
	return block
}

func TestBlockSerializeRoundTrip(t *testing.T) {
	founders := []signer{newSigner(), newSigner(), newSigner()}
	data := []Datum{
		NewDatum([]byte("first"), founders[0].key),
		NewDatum([]byte("second"), founders[1].key),
	}
	genesis := genesisBlock(t, founders)
	block := buildRound(t, genesis, founders, SortData(data))

	encoded := block.Serialize()
	parsed, err := ParseBlock(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(parsed.Serialize(), encoded) {
		t.Error("encoding must be byte stable across a round trip")
	}
	if !parsed.Hash().Equal(block.Hash()) {
		t.Error("hash must survive the round trip")
	}
	if !parsed.CheckSeal() {
		t.Error("parsed block seal must verify")
	}
	if len(parsed.Data) != 2 || !bytes.Equal(parsed.Data[0].Payload, block.Data[0].Payload) {
		t.Error("block data did not round trip")
	}

	if _, err := ParseBlock(encoded[:len(encoded)-3]); err == nil {
		t.Error("truncated block parsed")
	}
}

func TestHashExcludesSignature(t *testing.T) {
	founders := []signer{newSigner(), newSigner()}
	block := genesisBlock(t, founders)
	hash := block.Hash()
	block.Signature[0] ^= 0xff
	if !block.Hash().Equal(hash) {
		t.Error("the signature must not be part of the hash preimage")
	}
}

func TestValidateChild(t *testing.T) {
	founders := []signer{newSigner(), newSigner(), newSigner(), newSigner()}
	genesis := genesisBlock(t, founders)
	_, key := crypto.RandomKeyPair()
	data := []Datum{NewDatum([]byte("hello"), key)}
	block := buildRound(t, genesis, notSmallest(founders), SortData(data))

	// buildRound elects among genesis next authors, so the block is valid
	if err := ValidateChild(genesis, block); err != nil {
		t.Fatalf("valid block rejected: %v", err)
	}

	bad := *block
	bad.Parent = crypto.Hasher([]byte("elsewhere"))
	if err := ValidateChild(genesis, &bad); err != ErrBadPrev {
		t.Errorf("expected ErrBadPrev, got %v", err)
	}

	bad = *block
	bad.Height = 7
	if err := ValidateChild(genesis, &bad); err != ErrBadHeight {
		t.Errorf("expected ErrBadHeight, got %v", err)
	}

	bad = *block
	bad.NextAuthors = []crypto.Token{founders[0].token}
	if err := ValidateChild(genesis, &bad); err != ErrBadSig {
		t.Errorf("mutated block must fail the seal check, got %v", err)
	}
}

func TestFakeVictorRejected(t *testing.T) {
	founders := []signer{newSigner(), newSigner(), newSigner()}
	genesis := genesisBlock(t, founders)

	// an attacker not nominated in the genesis next authors signs a block
	attacker := newSigner()
	seed := genesis.Hash()
	tournament := highlander.NewTournament(seed, []crypto.Token{attacker.token})
	tournament.AddGame(highlander.NewGame(seed, attacker.key, 0), false)
	block := &Block{
		Parent:      seed,
		Height:      1,
		Author:      attacker.token,
		NextAuthors: []crypto.Token{attacker.token},
		Games:       tournament.Transcript(),
	}
	block.Seal(attacker.key)
	if err := ValidateChild(genesis, block); err != ErrBadAuthor {
		t.Errorf("expected ErrBadAuthor, got %v", err)
	}
}

func TestTranscriptMustProveAuthor(t *testing.T) {
	founders := []signer{newSigner(), newSigner(), newSigner()}
	genesis := genesisBlock(t, founders)
	block := buildRound(t, genesis, notSmallest(founders), nil)

	// reassign authorship to a nominated peer who did not win the bracket
	var loser signer
	for _, founder := range notSmallest(founders) {
		if !founder.token.Equal(block.Author) {
			loser = founder
			break
		}
	}
	forged := *block
	forged.Author = loser.token
	forged.Seal(loser.key)
	if err := ValidateChild(genesis, &forged); err != ErrBadTranscript {
		t.Errorf("expected ErrBadTranscript, got %v", err)
	}
}

func TestValidateDataSignatures(t *testing.T) {
	founders := []signer{newSigner(), newSigner(), newSigner()}
	genesis := genesisBlock(t, founders)
	_, key := crypto.RandomKeyPair()
	datum := NewDatum([]byte("payload"), key)
	datum.Payload = []byte("swapped")
	block := buildRound(t, genesis, notSmallest(founders), []Datum{datum})
	if err := ValidateChild(genesis, block); err != ErrBadSig {
		t.Errorf("expected ErrBadSig for tampered datum, got %v", err)
	}
}

func TestValidateGenesis(t *testing.T) {
	founders := []signer{newSigner(), newSigner(), newSigner()}
	tokens := []crypto.Token{founders[0].token, founders[1].token, founders[2].token}
	genesis := genesisBlock(t, founders)
	if err := ValidateGenesis(genesis, tokens); err != nil {
		t.Fatalf("valid genesis rejected: %v", err)
	}

	var largest signer
	for _, founder := range founders {
		if largest.token.Less(founder.token) {
			largest = founder
		}
	}
	forged := &Block{Author: largest.token}
	forged.Seal(largest.key)
	if err := ValidateGenesis(forged, tokens); err != ErrBadAuthor {
		t.Errorf("genesis from a non smallest founder must fail, got %v", err)
	}

	deep := *genesis
	deep.Height = 3
	if err := ValidateGenesis(&deep, tokens); err != ErrBadPrev {
		t.Errorf("expected ErrBadPrev, got %v", err)
	}
}
