package util

import (
	"sort"

	"github.com/riddlenet/riddle/crypto"
)

type Set[T comparable] map[T]struct{}

func SetFromSlice[T comparable](slice []T) Set[T] {
	set := make(Set[T])
	for _, item := range slice {
		set[item] = struct{}{}
	}
	return set
}

func (s Set[T]) Contains(item T) bool {
	_, ok := s[item]
	return ok
}

// SortTokens orders tokens lexicographically in place and returns the slice.
func SortTokens(tokens []crypto.Token) []crypto.Token {
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].Less(tokens[j])
	})
	return tokens
}
