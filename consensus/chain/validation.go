package chain

import (
	"errors"

	"github.com/riddlenet/riddle/consensus/highlander"
	"github.com/riddlenet/riddle/crypto"
)

var (
	ErrBadPrev       = errors.New("block does not extend the current tip")
	ErrBadHeight     = errors.New("block height does not follow the tip")
	ErrBadAuthor     = errors.New("block author is not an authorized candidate")
	ErrBadTranscript = errors.New("block transcript does not prove the author won")
	ErrBadSig        = errors.New("block carries an invalid signature")
)

// ValidateChild checks a non-genesis block against the block it claims to
// extend: parent linkage, height, author signature, author authorization
// against the previous next-author set, transcript replay and per-datum
// signatures. The next-author membership is the authoritative check; the
// transcript replay is the secondary consistency test.
func ValidateChild(prev, b *Block) error {
	if err := validateLinkage(prev, b); err != nil {
		return err
	}
	authorized := false
	for _, candidate := range prev.NextAuthors {
		if candidate.Equal(b.Author) {
			authorized = true
			break
		}
	}
	if !authorized {
		return ErrBadAuthor
	}
	if err := validateTranscript(b); err != nil {
		return err
	}
	return validateData(b)
}

// ValidateFallback checks a block whose author is outside the previous
// next-author list. Such a block is only legal when that list is exhausted,
// which is a judgement the caller makes from its own view of the network;
// here the transcript replay carries the full weight of the author check.
func ValidateFallback(prev, b *Block) error {
	if err := validateLinkage(prev, b); err != nil {
		return err
	}
	if err := validateTranscript(b); err != nil {
		return err
	}
	return validateData(b)
}

func validateLinkage(prev, b *Block) error {
	if !b.Parent.Equal(prev.Hash()) {
		return ErrBadPrev
	}
	if b.Height != prev.Height+1 {
		return ErrBadHeight
	}
	if !b.CheckSeal() {
		return ErrBadSig
	}
	return nil
}

// ValidateGenesis checks the single block with a zero parent. Its author must
// be the lexicographically smallest token of the founding set known to the
// validator; the transcript may be empty. A nil founder set skips the
// minimality check: a node syncing an established chain was not present at
// founding time and cannot reconstruct that set.
func ValidateGenesis(b *Block, founders []crypto.Token) error {
	if !b.Parent.IsZero() || b.Height != 0 {
		return ErrBadPrev
	}
	if !b.CheckSeal() {
		return ErrBadSig
	}
	for _, founder := range founders {
		if founder.Less(b.Author) {
			return ErrBadAuthor
		}
	}
	if len(b.Games) > 0 {
		if err := validateTranscript(b); err != nil {
			return err
		}
	}
	return validateData(b)
}

func validateTranscript(b *Block) error {
	if len(b.Games) == 0 {
		return ErrBadTranscript
	}
	tournament, err := highlander.ReplayTranscript(b.Parent, b.Games)
	if err != nil {
		return ErrBadTranscript
	}
	result, err := tournament.Evaluate()
	if err != nil {
		return ErrBadTranscript
	}
	if !result.Winner.Equal(b.Author) {
		return ErrBadTranscript
	}
	return nil
}

func validateData(b *Block) error {
	for n, datum := range b.Data {
		if !datum.Validate() {
			return ErrBadSig
		}
		if n > 0 && !lessSignature(b.Data[n-1].Signature, datum.Signature) {
			return ErrBadSig
		}
	}
	return nil
}

func lessSignature(a, b crypto.Signature) bool {
	for n := 0; n < crypto.SignatureSize; n++ {
		if a[n] != b[n] {
			return a[n] < b[n]
		}
	}
	return false
}
