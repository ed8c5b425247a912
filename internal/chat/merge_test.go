package chat

import (
	"math/rand"
	"sort"
	"testing"
)

func TestMerge_TempIDReconciliation(t *testing.T) {
	pending := msgAt("temp-1", "A", "hi", 0)
	echo := msgAt("srv-9", "A", "hi", 1)
	echo.Received = true

	got := Merge(nil, pending)
	got = Merge(got, echo)

	if len(got) != 1 {
		t.Fatalf("expected one entry, got %d: %v", len(got), ids(got))
	}
	if got[0].ID != "srv-9" {
		t.Fatalf("expected server id to win, got %s", got[0].ID)
	}
}

func TestMerge_TempNotReconciledAcrossSenders(t *testing.T) {
	pending := msgAt("temp-1", "A", "hi", 0)
	other := msgAt("srv-2", "B", "hi", 1)

	got := Merge([]Message{pending}, other)
	if len(got) != 2 {
		t.Fatalf("expected both entries, got %v", ids(got))
	}
}

func TestMerge_ReplaceByIDKeepsFlagsMonotonic(t *testing.T) {
	seen := msgAt("srv-1", "B", "hey", 0)
	seen.Seen = true
	seen.Received = true

	stale := msgAt("srv-1", "B", "hey (edited)", 0)

	got := Merge([]Message{seen}, stale)
	if len(got) != 1 {
		t.Fatalf("expected replace in place, got %v", ids(got))
	}
	if got[0].Content != "hey (edited)" {
		t.Fatalf("expected incoming content, got %q", got[0].Content)
	}
	if !got[0].Seen || !got[0].Received {
		t.Fatalf("flags reverted: seen=%v received=%v", got[0].Seen, got[0].Received)
	}
}

func TestMerge_ValidityFilter(t *testing.T) {
	empty := msgAt("srv-1", "A", "", 0)
	blank := msgAt("srv-2", "A", "   ", 1)
	media := msgAt("srv-3", "A", "", 2)
	media.Media = []Media{{ID: "p", Type: "image", URL: "u"}}

	got := Merge(nil, empty, blank, media)
	if len(got) != 1 || got[0].ID != "srv-3" {
		t.Fatalf("expected only media message, got %v", ids(got))
	}

	page := MergePage(got, []Message{empty})
	if len(page) != 1 {
		t.Fatalf("page merge let an empty message through: %v", ids(page))
	}
}

func TestMerge_OrderingAnyInterleaving(t *testing.T) {
	var all []Message
	for i := 0; i < 40; i++ {
		all = append(all, msgAt(idFor(i), senderFor(i), "m", (i*7)%40))
	}

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		shuffled := append([]Message(nil), all...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		var timeline []Message
		for len(shuffled) > 0 {
			n := 1 + rng.Intn(5)
			if n > len(shuffled) {
				n = len(shuffled)
			}
			chunk := shuffled[:n]
			shuffled = shuffled[n:]
			if rng.Intn(2) == 0 {
				timeline = Merge(timeline, chunk...)
			} else {
				timeline = MergePage(timeline, chunk)
			}
		}

		if len(timeline) != len(all) {
			t.Fatalf("round %d: expected %d messages, got %d", round, len(all), len(timeline))
		}
		if !sort.SliceIsSorted(timeline, func(i, j int) bool {
			return timeline[i].CreatedAt.Before(timeline[j].CreatedAt)
		}) {
			t.Fatalf("round %d: timeline not sorted", round)
		}
	}
}

func TestMerge_TiesKeepArrivalOrder(t *testing.T) {
	a := msgAt("srv-a", "A", "first", 5)
	b := msgAt("srv-b", "B", "second", 5)

	got := Merge(Merge(nil, a), b)
	if got[0].ID != "srv-a" || got[1].ID != "srv-b" {
		t.Fatalf("expected arrival order on tie, got %v", ids(got))
	}
}

func TestMergePage_PreservesTemporaryEntries(t *testing.T) {
	pending := msgAt("temp-1", "A", "on my way", 100)
	existing := []Message{msgAt("srv-5", "B", "where are you", 50), pending}

	page := []Message{
		msgAt("srv-1", "B", "hey", 10),
		msgAt("srv-5", "B", "where are you", 50),
		msgAt("srv-9", "A", "running late", 20),
	}

	got := MergePage(existing, page)
	want := []string{"srv-1", "srv-9", "srv-5", "temp-1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("expected %v, got %v", want, ids(got))
		}
	}
	if got[3].Content != pending.Content || !got[3].CreatedAt.Equal(pending.CreatedAt) || got[3].Received {
		t.Fatalf("temporary entry was modified")
	}
}

func TestMerge_EchoAndPageCommute(t *testing.T) {
	pending := msgAt("temp-1", "A", "hi", 0)
	confirmed := msgAt("srv-9", "A", "hi", 1)
	confirmed.Received = true

	cases := map[string][]Message{
		"echo then page": MergePage(Merge([]Message{pending}, confirmed), []Message{confirmed}),
		"page then echo": Merge(MergePage([]Message{pending}, []Message{confirmed}), confirmed),
		"page twice":     MergePage(MergePage([]Message{pending}, []Message{confirmed}), []Message{confirmed}),
	}
	for name, got := range cases {
		if len(got) != 1 || got[0].ID != "srv-9" {
			t.Fatalf("%s: expected [srv-9], got %v", name, ids(got))
		}
	}
}

func TestMerge_KnownIDAbsorbsLatePending(t *testing.T) {
	confirmed := msgAt("srv-9", "A", "hi", 1)
	pending := msgAt("temp-1", "A", "hi", 0)

	// a pending entry can sit next to its confirmed copy after an older
	// timeline was restored; the next sighting of the copy collapses them
	got := Merge([]Message{confirmed, pending}, confirmed)
	if len(got) != 1 || got[0].ID != "srv-9" {
		t.Fatalf("expected [srv-9], got %v", ids(got))
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	existing := []Message{msgAt("srv-2", "A", "b", 2), msgAt("srv-1", "A", "a", 1)}
	_ = Merge(existing, msgAt("srv-3", "A", "c", 0))
	if existing[0].ID != "srv-2" {
		t.Fatalf("merge reordered caller slice")
	}
}

func idFor(i int) string {
	return "srv-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
}

func senderFor(i int) string {
	if i%2 == 0 {
		return "A"
	}
	return "B"
}
