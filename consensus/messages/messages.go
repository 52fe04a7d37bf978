// Package messages defines the riddle wire protocol: every frame decrypts to
// a one-byte tag followed by the message body.
package messages

import (
	"errors"

	"github.com/riddlenet/riddle/consensus/chain"
	"github.com/riddlenet/riddle/consensus/highlander"
	"github.com/riddlenet/riddle/crypto"
	"github.com/riddlenet/riddle/util"
)

const (
	MsgHello         byte = iota // first frame of a session, both directions
	MsgIntroduce                 // peer list gossip
	MsgKeepAlive                 // empty, refreshes the idle clock
	MsgPendingData               // a signed application blob
	MsgThrows                    // a signed tournament commitment
	MsgBlock                     // new block announcement
	MsgRequestBlocks             // chain sync request from a height
	MsgBlocks                    // chain sync reply batch
	MsgBye                       // graceful shutdown notice
)

var ErrBadTag = errors.New("unknown message tag")
var ErrBadFrame = errors.New("could not parse message")

// Hello announces a node's identity, dial-back address and chain position.
type Hello struct {
	Token  crypto.Token
	Listen string
	Root   crypto.Hash
	Tip    crypto.Hash
	Height uint64
	Thin   bool
}

func (h *Hello) Serialize() []byte {
	bytes := []byte{MsgHello}
	util.PutToken(h.Token, &bytes)
	util.PutString(h.Listen, &bytes)
	util.PutHash(h.Root, &bytes)
	util.PutHash(h.Tip, &bytes)
	util.PutUint64(h.Height, &bytes)
	util.PutBool(h.Thin, &bytes)
	return bytes
}

func ParseHello(data []byte) (*Hello, error) {
	if len(data) < 1 || data[0] != MsgHello {
		return nil, ErrBadFrame
	}
	var hello Hello
	position := 1
	hello.Token, position = util.ParseToken(data, position)
	hello.Listen, position = util.ParseString(data, position)
	hello.Root, position = util.ParseHash(data, position)
	hello.Tip, position = util.ParseHash(data, position)
	hello.Height, position = util.ParseUint64(data, position)
	hello.Thin, position = util.ParseBool(data, position)
	if position != len(data) {
		return nil, ErrBadFrame
	}
	return &hello, nil
}

// PeerAddr pairs a token with a dialable address.
type PeerAddr struct {
	Token crypto.Token
	Addr  string
}

func IntroduceMessage(peers []PeerAddr) []byte {
	bytes := []byte{MsgIntroduce}
	util.PutUint16(uint16(len(peers)), &bytes)
	for _, peer := range peers {
		util.PutToken(peer.Token, &bytes)
		util.PutString(peer.Addr, &bytes)
	}
	return bytes
}

func ParseIntroduce(data []byte) ([]PeerAddr, error) {
	if len(data) < 1 || data[0] != MsgIntroduce {
		return nil, ErrBadFrame
	}
	count, position := util.ParseUint16(data, 1)
	peers := make([]PeerAddr, count)
	for n := range peers {
		peers[n].Token, position = util.ParseToken(data, position)
		peers[n].Addr, position = util.ParseString(data, position)
		if position > len(data) {
			return nil, ErrBadFrame
		}
	}
	if position != len(data) {
		return nil, ErrBadFrame
	}
	return peers, nil
}

func KeepAliveMessage() []byte {
	return []byte{MsgKeepAlive}
}

func ByeMessage() []byte {
	return []byte{MsgBye}
}

func PendingDataMessage(datum chain.Datum) []byte {
	bytes := []byte{MsgPendingData}
	chain.PutDatum(datum, &bytes)
	return bytes
}

func ParsePendingData(data []byte) (chain.Datum, error) {
	if len(data) < 1 || data[0] != MsgPendingData {
		return chain.Datum{}, ErrBadFrame
	}
	datum, position := chain.ParseDatum(data, 1)
	if position != len(data) {
		return chain.Datum{}, ErrBadFrame
	}
	return datum, nil
}

// Throws commits a node's throw vector for the round opened by Seed.
type Throws struct {
	Seed crypto.Hash
	Game highlander.Game
}

func (t *Throws) Serialize() []byte {
	bytes := []byte{MsgThrows}
	util.PutHash(t.Seed, &bytes)
	highlander.PutGame(t.Game, &bytes)
	return bytes
}

func ParseThrows(data []byte) (*Throws, error) {
	if len(data) < 1 || data[0] != MsgThrows {
		return nil, ErrBadFrame
	}
	var throws Throws
	position := 1
	throws.Seed, position = util.ParseHash(data, position)
	throws.Game, position = highlander.ParseGame(data, position)
	if position != len(data) {
		return nil, ErrBadFrame
	}
	return &throws, nil
}

func BlockMessage(block *chain.Block) []byte {
	return append([]byte{MsgBlock}, block.Serialize()...)
}

func ParseBlockMessage(data []byte) (*chain.Block, error) {
	if len(data) < 1 || data[0] != MsgBlock {
		return nil, ErrBadFrame
	}
	return chain.ParseBlock(data[1:])
}

func RequestBlocksMessage(fromHeight uint64) []byte {
	bytes := []byte{MsgRequestBlocks}
	util.PutUint64(fromHeight, &bytes)
	return bytes
}

func ParseRequestBlocks(data []byte) (uint64, error) {
	if len(data) < 1 || data[0] != MsgRequestBlocks {
		return 0, ErrBadFrame
	}
	height, position := util.ParseUint64(data, 1)
	if position != len(data) {
		return 0, ErrBadFrame
	}
	return height, nil
}

func BlocksMessage(blocks []*chain.Block) []byte {
	bytes := []byte{MsgBlocks}
	util.PutUint16(uint16(len(blocks)), &bytes)
	for _, block := range blocks {
		util.PutLargeByteArray(block.Serialize(), &bytes)
	}
	return bytes
}

func ParseBlocks(data []byte) ([]*chain.Block, error) {
	if len(data) < 1 || data[0] != MsgBlocks {
		return nil, ErrBadFrame
	}
	count, position := util.ParseUint16(data, 1)
	blocks := make([]*chain.Block, count)
	for n := range blocks {
		var encoded []byte
		encoded, position = util.ParseLargeByteArray(data, position)
		if position > len(data) {
			return nil, ErrBadFrame
		}
		block, err := chain.ParseBlock(encoded)
		if err != nil {
			return nil, err
		}
		blocks[n] = block
	}
	if position != len(data) {
		return nil, ErrBadFrame
	}
	return blocks, nil
}
