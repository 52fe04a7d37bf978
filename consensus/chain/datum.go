package chain

import (
	"sort"

	"github.com/riddlenet/riddle/crypto"
	"github.com/riddlenet/riddle/util"
)

// Datum is an application payload signed by its originator, awaiting
// inclusion in a block. Data deduplicate on the signature.
type Datum struct {
	Author    crypto.Token
	Payload   []byte
	Signature crypto.Signature
}

func NewDatum(payload []byte, credentials crypto.PrivateKey) Datum {
	author := credentials.PublicKey()
	return Datum{
		Author:    author,
		Payload:   payload,
		Signature: credentials.Sign(datumMessage(author, payload)),
	}
}

func datumMessage(author crypto.Token, payload []byte) []byte {
	msg := make([]byte, 0, crypto.TokenSize+len(payload))
	msg = append(msg, author[:]...)
	msg = append(msg, payload...)
	return msg
}

func (d Datum) Validate() bool {
	return d.Author.Verify(datumMessage(d.Author, d.Payload), d.Signature)
}

func PutDatum(d Datum, data *[]byte) {
	util.PutToken(d.Author, data)
	util.PutLargeByteArray(d.Payload, data)
	util.PutSignature(d.Signature, data)
}

func ParseDatum(data []byte, position int) (Datum, int) {
	var d Datum
	d.Author, position = util.ParseToken(data, position)
	d.Payload, position = util.ParseLargeByteArray(data, position)
	d.Signature, position = util.ParseSignature(data, position)
	return d, position
}

// SortData orders data canonically by signature, in place.
func SortData(data []Datum) []Datum {
	sort.Slice(data, func(i, j int) bool {
		for n := 0; n < crypto.SignatureSize; n++ {
			if data[i].Signature[n] != data[j].Signature[n] {
				return data[i].Signature[n] < data[j].Signature[n]
			}
		}
		return false
	})
	return data
}
