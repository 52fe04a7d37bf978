package socket

import (
	"github.com/riddlenet/riddle/crypto"
)

// SeenSet bounds flood gossip: a message hash observed once is never
// forwarded again until its entry expires. Entries carry the height (or
// round number) through which they stay live. The set is owned by the
// orchestrator goroutine and is not safe for concurrent use.
type SeenSet struct {
	entries map[crypto.Hash]uint64
}

func NewSeenSet() *SeenSet {
	return &SeenSet{entries: make(map[crypto.Hash]uint64)}
}

// Observe records a hash and reports whether it was new.
func (s *SeenSet) Observe(hash crypto.Hash, expiresAfter uint64) bool {
	if _, ok := s.entries[hash]; ok {
		return false
	}
	s.entries[hash] = expiresAfter
	return true
}

// ExpireThrough drops every entry whose expiry mark is at or below mark.
func (s *SeenSet) ExpireThrough(mark uint64) {
	for hash, expiry := range s.entries {
		if expiry <= mark {
			delete(s.entries, hash)
		}
	}
}

func Broadcast(conns []*CipherConnection, msg []byte) {
	for _, conn := range conns {
		conn.Send(msg)
	}
}

func BroadcastExcept(conns []*CipherConnection, msg []byte, except crypto.Token) {
	for _, conn := range conns {
		if !conn.Token.Equal(except) {
			conn.Send(msg)
		}
	}
}
