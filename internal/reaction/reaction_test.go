package reaction

import (
	"math/rand"
	"testing"
)

func TestApplyAddAndRemove(t *testing.T) {
	a := NewAggregator()

	if !a.Apply("m1", "bob", "👍", Add) {
		t.Fatal("expected add to apply")
	}
	tallies := a.Tallies("m1")
	if got := tallies["👍"]; got.Count != 1 || len(got.Users) != 1 || got.Users[0] != "bob" {
		t.Fatalf("expected {1 [bob]}, got %+v", got)
	}

	if !a.Apply("m1", "bob", "👍", Remove) {
		t.Fatal("expected remove to apply")
	}
	if tallies := a.Tallies("m1"); len(tallies) != 0 {
		t.Fatalf("expected no reactions left, got %+v", tallies)
	}
}

func TestApplyAddIsIdempotent(t *testing.T) {
	a := NewAggregator()
	a.Apply("m1", "bob", "👍", Add)

	if a.Apply("m1", "bob", "👍", Add) {
		t.Fatal("expected duplicate add to be a no-op")
	}
	if got := a.Tallies("m1")["👍"].Count; got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
}

func TestApplyRemoveAbsentIsNoop(t *testing.T) {
	a := NewAggregator()
	a.Apply("m1", "bob", "👍", Add)

	if a.Apply("m1", "carol", "👍", Remove) {
		t.Fatal("expected removing an absent user to be a no-op")
	}
	if a.Apply("m1", "bob", "🎉", Remove) {
		t.Fatal("expected removing an absent emoji to be a no-op")
	}
	if got := a.Tallies("m1")["👍"].Count; got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
}

func TestCountMatchesUsersUnderAnyInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	users := []string{"a", "b", "c"}

	for round := 0; round < 200; round++ {
		a := NewAggregator()
		want := map[string]bool{}
		for i := 0; i < 30; i++ {
			u := users[rng.Intn(len(users))]
			if rng.Intn(2) == 0 {
				a.Apply("m1", u, "👍", Add)
				want[u] = true
			} else {
				a.Apply("m1", u, "👍", Remove)
				delete(want, u)
			}

			tally, ok := a.Tallies("m1")["👍"]
			if tally.Count < 0 {
				t.Fatalf("count went negative: %d", tally.Count)
			}
			if tally.Count != len(tally.Users) {
				t.Fatalf("count %d does not match users %v", tally.Count, tally.Users)
			}
			if len(want) == 0 && ok {
				t.Fatalf("expected emoji entry to be removed at zero, got %+v", tally)
			}
			if tally.Count != len(want) {
				t.Fatalf("expected count %d, got %d", len(want), tally.Count)
			}
		}
	}
}

func TestToggleDecidesFromLocalMembership(t *testing.T) {
	a := NewAggregator()

	if got := a.Toggle("m1", "bob", "👍"); got != Add {
		t.Fatalf("expected Add, got %s", got)
	}
	a.Apply("m1", "bob", "👍", Add)
	if got := a.Toggle("m1", "bob", "👍"); got != Remove {
		t.Fatalf("expected Remove, got %s", got)
	}
}

func TestLoadDeduplicatesRows(t *testing.T) {
	a := NewAggregator()
	a.Load([]Reaction{
		{MessageID: "m1", UserID: "bob", Emoji: "👍"},
		{MessageID: "m1", UserID: "bob", Emoji: "👍"},
		{MessageID: "m1", UserID: "carol", Emoji: "👍"},
		{MessageID: "m2", UserID: "bob", Emoji: "🎉"},
	})

	if got := a.Tallies("m1")["👍"]; got.Count != 2 {
		t.Fatalf("expected count 2, got %+v", got)
	}
	if !a.Has("m2", "bob", "🎉") {
		t.Fatal("expected bob's 🎉 on m2")
	}
}

func TestForget(t *testing.T) {
	a := NewAggregator()
	a.Apply("m1", "bob", "👍", Add)
	a.Forget("m1")

	if a.Has("m1", "bob", "👍") {
		t.Fatal("expected reactions on m1 to be forgotten")
	}
}
