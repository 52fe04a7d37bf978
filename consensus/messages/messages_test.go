package messages

import (
	"bytes"
	"testing"

	"github.com/riddlenet/riddle/consensus/chain"
	"github.com/riddlenet/riddle/consensus/highlander"
	"github.com/riddlenet/riddle/crypto"
)

func TestHelloRoundTrip(t *testing.T) {
	token, _ := crypto.RandomKeyPair()
	hello := &Hello{
		Token:  token,
		Listen: "127.0.0.1:29092",
		Root:   crypto.Hasher([]byte("root")),
		Tip:    crypto.Hasher([]byte("tip")),
		Height: 42,
		Thin:   true,
	}
	parsed, err := ParseHello(hello.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if *parsed != *hello {
		t.Error("hello round trip mismatch")
	}
	if _, err := ParseHello([]byte{MsgKeepAlive}); err == nil {
		t.Error("wrong tag parsed as hello")
	}
}

func TestIntroduceRoundTrip(t *testing.T) {
	a, _ := crypto.RandomKeyPair()
	b, _ := crypto.RandomKeyPair()
	peers := []PeerAddr{
		{Token: a, Addr: "10.0.0.1:29092"},
		{Token: b, Addr: "10.0.0.2:29092"},
	}
	parsed, err := ParseIntroduce(IntroduceMessage(peers))
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 2 || parsed[0] != peers[0] || parsed[1] != peers[1] {
		t.Error("introduce round trip mismatch")
	}
	empty, err := ParseIntroduce(IntroduceMessage(nil))
	if err != nil || len(empty) != 0 {
		t.Error("empty introduce must round trip")
	}
}

func TestPendingDataRoundTrip(t *testing.T) {
	_, key := crypto.RandomKeyPair()
	datum := chain.NewDatum([]byte("gossip me"), key)
	parsed, err := ParsePendingData(PendingDataMessage(datum))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Author != datum.Author || !bytes.Equal(parsed.Payload, datum.Payload) {
		t.Error("pending data round trip mismatch")
	}
	if !parsed.Validate() {
		t.Error("datum must still validate after the round trip")
	}
}

func TestThrowsRoundTrip(t *testing.T) {
	seed := crypto.Hasher([]byte("round"))
	_, key := crypto.RandomKeyPair()
	throws := &Throws{Seed: seed, Game: highlander.NewGame(seed, key, 3)}
	parsed, err := ParseThrows(throws.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Seed.Equal(seed) || parsed.Game.Author != throws.Game.Author {
		t.Error("throws round trip mismatch")
	}
	if !parsed.Game.Validate(seed) {
		t.Error("commitment must still validate after the round trip")
	}
}

func testBlock(t *testing.T) *chain.Block {
	t.Helper()
	token, key := crypto.RandomKeyPair()
	block := &chain.Block{
		Author:      token,
		NextAuthors: []crypto.Token{token},
		Data:        []chain.Datum{chain.NewDatum([]byte("x"), key)},
	}
	block.Seal(key)
	return block
}

func TestBlockMessageRoundTrip(t *testing.T) {
	block := testBlock(t)
	parsed, err := ParseBlockMessage(BlockMessage(block))
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Hash().Equal(block.Hash()) {
		t.Error("block message round trip changed the hash")
	}
}

func TestRequestBlocksRoundTrip(t *testing.T) {
	height, err := ParseRequestBlocks(RequestBlocksMessage(99))
	if err != nil || height != 99 {
		t.Error("request blocks round trip mismatch")
	}
}

func TestBlocksRoundTrip(t *testing.T) {
	blocks := []*chain.Block{testBlock(t), testBlock(t)}
	parsed, err := ParseBlocks(BlocksMessage(blocks))
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 2 || !parsed[1].Hash().Equal(blocks[1].Hash()) {
		t.Error("blocks batch round trip mismatch")
	}
}

func TestSingleByteMessages(t *testing.T) {
	if len(KeepAliveMessage()) != 1 || KeepAliveMessage()[0] != MsgKeepAlive {
		t.Error("keep alive must be a bare tag")
	}
	if len(ByeMessage()) != 1 || ByeMessage()[0] != MsgBye {
		t.Error("bye must be a bare tag")
	}
}
