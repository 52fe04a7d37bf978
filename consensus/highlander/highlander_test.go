package highlander

import (
	"testing"

	"github.com/riddlenet/riddle/crypto"
)

type player struct {
	token crypto.Token
	key   crypto.PrivateKey
}

func makePlayers(count int) []player {
	players := make([]player, count)
	for n := range players {
		token, key := crypto.RandomKeyPair()
		players[n] = player{token: token, key: key}
	}
	return players
}

func runTournament(t *testing.T, seed crypto.Hash, players []player) (*Tournament, Result) {
	t.Helper()
	tokens := make([]crypto.Token, len(players))
	for n, p := range players {
		tokens[n] = p.token
	}
	tournament := NewTournament(seed, tokens)
	for _, p := range players {
		game := NewGame(seed, p.key, tournament.Levels())
		if !tournament.AddGame(game, false) {
			t.Fatalf("commitment from %v was rejected", p.token)
		}
	}
	result, err := tournament.Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	return tournament, result
}

func TestLevels(t *testing.T) {
	cases := map[int]int{1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4}
	for count, want := range cases {
		if got := Levels(count); got != want {
			t.Errorf("Levels(%d) = %d, want %d", count, got, want)
		}
	}
}

func TestMatchRules(t *testing.T) {
	if !beats(Rock, Scissors) || !beats(Scissors, Paper) || !beats(Paper, Rock) {
		t.Error("winning throws do not beat")
	}
	if beats(Scissors, Rock) || beats(Paper, Scissors) || beats(Rock, Paper) {
		t.Error("losing throws beat")
	}
	if beats(Rock, Rock) || beats(Paper, Paper) || beats(Scissors, Scissors) {
		t.Error("ties must not beat")
	}
}

func TestDeriveThrowsDeterministic(t *testing.T) {
	seed := crypto.Hasher([]byte("round"))
	_, key := crypto.RandomKeyPair()
	a := DeriveThrows(seed, key, 5)
	b := DeriveThrows(seed, key, 5)
	for n := range a {
		if a[n] != b[n] {
			t.Fatal("throw derivation must be deterministic")
		}
		if a[n] > Scissors {
			t.Fatal("derived throw out of range")
		}
	}
	other := DeriveThrows(crypto.Hasher([]byte("other round")), key, 5)
	same := true
	for n := range a {
		if a[n] != other[n] {
			same = false
		}
	}
	if same {
		t.Error("different seeds should give different vectors almost always")
	}
	long := DeriveThrows(seed, key, 70)
	for n := range a {
		if long[n] != a[n] {
			t.Error("longer vectors must extend, not replace, shorter ones")
		}
	}
}

func TestGameValidate(t *testing.T) {
	seed := crypto.Hasher([]byte("seed"))
	_, key := crypto.RandomKeyPair()
	game := NewGame(seed, key, 3)
	if !game.Validate(seed) {
		t.Error("fresh game must validate")
	}
	if game.Validate(crypto.Hasher([]byte("another seed"))) {
		t.Error("game must be bound to its seed")
	}
	tampered := game
	tampered.Throws = append([]byte{}, game.Throws...)
	tampered.Throws[0] = (tampered.Throws[0] + 1) % 3
	if tampered.Validate(seed) {
		t.Error("tampered throws must not validate")
	}
}

func TestGameSerializeRoundTrip(t *testing.T) {
	seed := crypto.Hasher([]byte("seed"))
	_, key := crypto.RandomKeyPair()
	game := NewGame(seed, key, 4)
	parsed, position := ParseGame(game.Serialize(), 0)
	if position != len(game.Serialize()) {
		t.Fatal("parse did not consume the full encoding")
	}
	if parsed.Author != game.Author || parsed.Signature != game.Signature {
		t.Error("game round trip mismatch")
	}
	if !parsed.Validate(seed) {
		t.Error("parsed game must still validate")
	}
}

func TestWinnerDeterministicAcrossOrders(t *testing.T) {
	seed := crypto.Hasher([]byte("round 7"))
	players := makePlayers(5)
	_, forward := runTournament(t, seed, players)

	reversed := make([]player, len(players))
	for n := range players {
		reversed[n] = players[len(players)-1-n]
	}
	_, backward := runTournament(t, seed, reversed)
	if !forward.Winner.Equal(backward.Winner) {
		t.Error("winner must not depend on commitment arrival order")
	}
	if len(forward.Climbers) != len(backward.Climbers) {
		t.Fatal("climber lists must agree")
	}
	for n := range forward.Climbers {
		if !forward.Climbers[n].Equal(backward.Climbers[n]) {
			t.Error("climber order must agree")
		}
	}
}

func TestBoundarySizes(t *testing.T) {
	seed := crypto.Hasher([]byte("boundaries"))
	for _, count := range []int{1, 2, 3, 5} {
		players := makePlayers(count)
		tournament, result := runTournament(t, seed, players)
		found := false
		for _, p := range players {
			if p.token.Equal(result.Winner) {
				found = true
			}
		}
		if !found {
			t.Errorf("winner of %d players is not a participant", count)
		}
		if len(result.Climbers) != count-1 {
			t.Errorf("%d players must leave %d climbers, got %d",
				count, count-1, len(result.Climbers))
		}
		if count > 1 && tournament.Levels() == 0 {
			t.Errorf("%d players need at least one level", count)
		}
	}
}

func TestTieBreakSmallerToken(t *testing.T) {
	// hand-built commitments with identical throws: every match ties and the
	// smaller token must advance all the way
	seed := crypto.Hasher([]byte("ties"))
	players := makePlayers(4)
	tokens := make([]crypto.Token, len(players))
	for n, p := range players {
		tokens[n] = p.token
	}
	tournament := NewTournament(seed, tokens)
	for _, p := range players {
		game := Game{
			Author: p.token,
			Throws: []byte{Rock, Rock},
		}
		game.Signature = p.key.Sign(commitment(seed, game.Throws))
		if !tournament.AddGame(game, false) {
			t.Fatal("hand built commitment rejected")
		}
	}
	result, err := tournament.Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	smallest := tokens[0]
	for _, token := range tokens[1:] {
		if token.Less(smallest) {
			smallest = token
		}
	}
	if !result.Winner.Equal(smallest) {
		t.Error("all-tie bracket must elect the smallest token")
	}
}

func TestIncompleteTournament(t *testing.T) {
	seed := crypto.Hasher([]byte("incomplete"))
	players := makePlayers(3)
	tokens := []crypto.Token{players[0].token, players[1].token, players[2].token}
	tournament := NewTournament(seed, tokens)
	tournament.AddGame(NewGame(seed, players[0].key, tournament.Levels()), false)
	if tournament.IsComplete() {
		t.Error("tournament with missing commitments is not complete")
	}
	if _, err := tournament.Evaluate(); err != ErrIncomplete {
		t.Errorf("expected ErrIncomplete, got %v", err)
	}
	if missing := tournament.Missing(); len(missing) != 2 {
		t.Errorf("expected 2 missing commitments, got %d", len(missing))
	}
}

func TestAddGameRejections(t *testing.T) {
	seed := crypto.Hasher([]byte("rejections"))
	players := makePlayers(2)
	tokens := []crypto.Token{players[0].token, players[1].token}
	tournament := NewTournament(seed, tokens)

	_, strangerKey := crypto.RandomKeyPair()
	if tournament.AddGame(NewGame(seed, strangerKey, 1), false) {
		t.Error("commitment from a non participant was accepted")
	}
	short := NewGame(seed, players[0].key, 0)
	if tournament.AddGame(short, false) {
		t.Error("too short a vector was accepted")
	}
	game := NewGame(seed, players[0].key, 1)
	if !tournament.AddGame(game, false) {
		t.Fatal("valid commitment rejected")
	}
	if tournament.AddGame(game, false) {
		t.Error("double commitment was accepted")
	}
	longer := NewGame(seed, players[1].key, 3)
	if !tournament.AddGame(longer, false) {
		t.Error("longer vector must be accepted")
	}
}

func TestLateCommitter(t *testing.T) {
	seed := crypto.Hasher([]byte("late"))
	players := makePlayers(3)
	tokens := []crypto.Token{players[0].token, players[1].token, players[2].token}
	tournament := NewTournament(seed, tokens)
	tournament.AddGame(NewGame(seed, players[0].key, tournament.Levels()), false)
	tournament.AddGame(NewGame(seed, players[1].key, tournament.Levels()), true)
	tournament.AddGame(NewGame(seed, players[2].key, tournament.Levels()), true)
	if !tournament.LastLateCommitter().Equal(players[2].token) {
		t.Error("last late committer must be tracked")
	}
}

func TestExclude(t *testing.T) {
	seed := crypto.Hasher([]byte("exclude"))
	players := makePlayers(3)
	tokens := []crypto.Token{players[0].token, players[1].token, players[2].token}
	tournament := NewTournament(seed, tokens)
	tournament.Exclude(players[1].token)
	if tournament.Size() != 2 || tournament.Has(players[1].token) {
		t.Error("excluded participant still present")
	}
	if tournament.AddGame(NewGame(seed, players[1].key, tournament.Levels()), false) {
		t.Error("excluded participant committed")
	}
}

func TestTranscriptReplay(t *testing.T) {
	seed := crypto.Hasher([]byte("replay"))
	players := makePlayers(5)
	tournament, result := runTournament(t, seed, players)

	transcript := tournament.Transcript()
	if len(transcript) != 5 {
		t.Fatalf("transcript must carry every participant, got %d", len(transcript))
	}
	replayed, err := ReplayTranscript(seed, transcript)
	if err != nil {
		t.Fatal(err)
	}
	replayResult, err := replayed.Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if !replayResult.Winner.Equal(result.Winner) {
		t.Error("replaying the transcript must reproduce the winner")
	}

	// a transcript with a forged commitment must not replay
	forged := append([]Game{}, transcript...)
	forged[0].Throws = append([]byte{}, forged[0].Throws...)
	forged[0].Throws[0] = (forged[0].Throws[0] + 1) % 3
	if _, err := ReplayTranscript(seed, forged); err == nil {
		t.Error("forged transcript replayed")
	}
}

func TestNextAuthorsSelection(t *testing.T) {
	seed := crypto.Hasher([]byte("authors"))
	players := makePlayers(6)
	_, result := runTournament(t, seed, players)

	authors := result.NextAuthors(3)
	if len(authors) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(authors))
	}
	for _, author := range authors {
		if author.Equal(result.Winner) {
			t.Error("winner must not be nominated while losers remain")
		}
	}
	if !authors[0].Equal(result.Climbers[0]) {
		t.Error("highest climbing loser must be nominated first")
	}

	sole := Result{Winner: players[0].token}
	fallback := sole.NextAuthors(2)
	if len(fallback) != 1 || !fallback[0].Equal(players[0].token) {
		t.Error("a tournament without losers falls back on the winner")
	}
}
