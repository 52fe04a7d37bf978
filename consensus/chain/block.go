package chain

import (
	"errors"

	"github.com/klauspost/compress/zstd"

	"github.com/riddlenet/riddle/consensus/highlander"
	"github.com/riddlenet/riddle/crypto"
	"github.com/riddlenet/riddle/util"
)

// MaxDataSize caps the decompressed data section of a block.
const MaxDataSize = 16 << 20

var ErrBlockParse = errors.New("could not parse block")

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDataSize))

// Block is one link of the hash chain. The hash preimage is the canonical
// encoding of every field except the author signature, with the data section
// uncompressed, so the hash is independent of the compression level.
type Block struct {
	Parent      crypto.Hash
	Height      uint64
	Author      crypto.Token
	NextAuthors []crypto.Token
	Games       []highlander.Game
	Data        []Datum
	Signature   crypto.Signature
}

func (b *Block) IsGenesis() bool {
	return b.Parent.IsZero() && b.Height == 0
}

func (b *Block) serializeData() []byte {
	bytes := make([]byte, 0)
	util.PutUint16(uint16(len(b.Data)), &bytes)
	for _, datum := range b.Data {
		PutDatum(datum, &bytes)
	}
	return bytes
}

func (b *Block) serializeHeader() []byte {
	bytes := make([]byte, 0)
	util.PutHash(b.Parent, &bytes)
	util.PutUint64(b.Height, &bytes)
	util.PutToken(b.Author, &bytes)
	util.PutTokenArray(b.NextAuthors, &bytes)
	util.PutUint16(uint16(len(b.Games)), &bytes)
	for _, game := range b.Games {
		highlander.PutGame(game, &bytes)
	}
	return bytes
}

// Hash is the content address of the block: sha256 over the canonical
// encoding of all fields except the signature.
func (b *Block) Hash() crypto.Hash {
	return crypto.HashPair(b.serializeHeader(), b.serializeData())
}

// Seal signs the block hash with the author's credentials.
func (b *Block) Seal(credentials crypto.PrivateKey) {
	b.Data = SortData(b.Data)
	hash := b.Hash()
	b.Signature = credentials.Sign(hash[:])
}

// CheckSeal verifies the author signature against the block hash.
func (b *Block) CheckSeal() bool {
	hash := b.Hash()
	return b.Author.Verify(hash[:], b.Signature)
}

// Serialize is the wire and storage encoding: header, zstd-compressed data
// section, signature.
func (b *Block) Serialize() []byte {
	bytes := b.serializeHeader()
	util.PutLargeByteArray(zstdEncoder.EncodeAll(b.serializeData(), nil), &bytes)
	util.PutSignature(b.Signature, &bytes)
	return bytes
}

func ParseBlock(data []byte) (*Block, error) {
	block, position := parseBlockPosition(data, 0)
	if block == nil || position != len(data) {
		return nil, ErrBlockParse
	}
	return block, nil
}

func parseBlockPosition(data []byte, position int) (*Block, int) {
	var block Block
	block.Parent, position = util.ParseHash(data, position)
	block.Height, position = util.ParseUint64(data, position)
	block.Author, position = util.ParseToken(data, position)
	block.NextAuthors, position = util.ParseTokenArray(data, position)
	var count uint16
	count, position = util.ParseUint16(data, position)
	if position > len(data) {
		return nil, position
	}
	block.Games = make([]highlander.Game, count)
	for n := range block.Games {
		block.Games[n], position = highlander.ParseGame(data, position)
		if position > len(data) {
			return nil, position
		}
	}
	var compressed []byte
	compressed, position = util.ParseLargeByteArray(data, position)
	if position > len(data) {
		return nil, position
	}
	section, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil || len(section) > MaxDataSize {
		return nil, len(data) + 1
	}
	dataPos := 0
	count, dataPos = util.ParseUint16(section, dataPos)
	block.Data = make([]Datum, count)
	for n := range block.Data {
		block.Data[n], dataPos = ParseDatum(section, dataPos)
		if dataPos > len(section) {
			return nil, len(data) + 1
		}
	}
	if dataPos != len(section) {
		return nil, len(data) + 1
	}
	block.Signature, position = util.ParseSignature(data, position)
	return &block, position
}
