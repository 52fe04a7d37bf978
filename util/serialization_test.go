package util

import (
	"bytes"
	"testing"

	"github.com/riddlenet/riddle/crypto"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	data := make([]byte, 0)
	token, _ := crypto.RandomKeyPair()
	hash := crypto.Hasher([]byte("something"))
	var signature crypto.Signature
	signature[0] = 7

	PutToken(token, &data)
	PutHash(hash, &data)
	PutSignature(signature, &data)
	PutUint16(0xbeef, &data)
	PutUint32(0xdeadbeef, &data)
	PutUint64(1<<60+17, &data)
	PutBool(true, &data)
	PutByte(0x42, &data)
	PutString("riddle", &data)
	PutByteArray([]byte{1, 2, 3}, &data)
	PutLargeByteArray(bytes.Repeat([]byte{9}, 1<<17), &data)
	PutTokenArray([]crypto.Token{token, token}, &data)

	position := 0
	gotToken, position := ParseToken(data, position)
	gotHash, position := ParseHash(data, position)
	gotSignature, position := ParseSignature(data, position)
	got16, position := ParseUint16(data, position)
	got32, position := ParseUint32(data, position)
	got64, position := ParseUint64(data, position)
	gotBool, position := ParseBool(data, position)
	gotByte, position := ParseByte(data, position)
	gotString, position := ParseString(data, position)
	gotArray, position := ParseByteArray(data, position)
	gotLarge, position := ParseLargeByteArray(data, position)
	gotTokens, position := ParseTokenArray(data, position)

	if position != len(data) {
		t.Fatalf("parsing consumed %d of %d bytes", position, len(data))
	}
	if gotToken != token || gotHash != hash || gotSignature != signature {
		t.Error("fixed width fields did not round trip")
	}
	if got16 != 0xbeef || got32 != 0xdeadbeef || got64 != 1<<60+17 {
		t.Error("integers did not round trip")
	}
	if !gotBool || gotByte != 0x42 || gotString != "riddle" {
		t.Error("scalars did not round trip")
	}
	if !bytes.Equal(gotArray, []byte{1, 2, 3}) || len(gotLarge) != 1<<17 {
		t.Error("byte arrays did not round trip")
	}
	if len(gotTokens) != 2 || gotTokens[0] != token {
		t.Error("token array did not round trip")
	}
}

func TestParseBeyondEnd(t *testing.T) {
	short := []byte{1, 2}
	if _, position := ParseUint64(short, 0); position <= len(short) {
		t.Error("parsing past the end must move position beyond the buffer")
	}
	if _, position := ParseByteArray([]byte{10, 0, 1}, 0); position <= 3 {
		t.Error("truncated byte array must be detected")
	}
}

func TestEmptyByteArray(t *testing.T) {
	data := make([]byte, 0)
	PutByteArray(nil, &data)
	parsed, position := ParseByteArray(data, 0)
	if position != len(data) || len(parsed) != 0 {
		t.Error("empty byte array did not round trip")
	}
}

func TestSortTokens(t *testing.T) {
	a := crypto.Token{1}
	b := crypto.Token{2}
	c := crypto.Token{3}
	sorted := SortTokens([]crypto.Token{c, a, b})
	if sorted[0] != a || sorted[1] != b || sorted[2] != c {
		t.Error("tokens must sort lexicographically")
	}
}
