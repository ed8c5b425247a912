package chat

import (
	"sort"
	"strings"
)

// IsDisplayable drops transport artifacts: a message needs text or media.
func IsDisplayable(m Message) bool {
	return strings.TrimSpace(m.Content) != "" || len(m.Media) > 0
}

// Merge folds incoming messages into existing and returns a new timeline
// sorted by CreatedAt. existing is not modified.
//
// An incoming message replaces the entry with the same id. A confirmed
// message otherwise replaces a pending entry from the same sender with the
// same content, which is how an echoed send collapses onto its optimistic
// bubble. Anything else is appended. A confirmed message already present
// by id still absorbs a matching pending entry, so the result does not
// depend on whether the echo or a backfill copy arrived first.
func Merge(existing []Message, incoming ...Message) []Message {
	out := make([]Message, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	for _, in := range incoming {
		if !IsDisplayable(in) {
			continue
		}
		if i := indexByID(out, in.ID); i >= 0 {
			out[i] = mergeFlags(out[i], in)
			if !in.IsTemporary() {
				out = dropPending(out, in.SenderID, in.Content)
			}
			continue
		}
		if !in.IsTemporary() {
			if i := indexPending(out, in.SenderID, in.Content); i >= 0 {
				out[i] = in
				continue
			}
		}
		out = append(out, in)
	}

	sortTimeline(out)
	return out
}

// MergePage unions a backfill page with existing. Pending entries are kept
// as they are until the page carries their confirmed copy; everything else
// is de-duplicated by id.
func MergePage(existing []Message, page []Message) []Message {
	out := make([]Message, len(existing), len(existing)+len(page))
	copy(out, existing)

	for _, in := range page {
		if !IsDisplayable(in) || in.IsTemporary() {
			continue
		}
		if i := indexByID(out, in.ID); i >= 0 {
			if out[i].IsTemporary() {
				continue
			}
			out[i] = mergeFlags(out[i], in)
			out = dropPending(out, in.SenderID, in.Content)
			continue
		}
		if i := indexPending(out, in.SenderID, in.Content); i >= 0 {
			out[i] = in
			continue
		}
		out = append(out, in)
	}

	sortTimeline(out)
	return out
}

// sortTimeline orders by CreatedAt; equal timestamps keep arrival order.
func sortTimeline(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}

// mergeFlags takes next but never clears received or seen.
func mergeFlags(prev, next Message) Message {
	next.Received = next.Received || prev.Received
	next.Seen = next.Seen || prev.Seen
	return next
}

func indexByID(ms []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range ms {
		if ms[i].ID == id {
			return i
		}
	}
	return -1
}

// dropPending removes the first pending entry matching sender and content.
func dropPending(ms []Message, senderID, content string) []Message {
	i := indexPending(ms, senderID, content)
	if i < 0 {
		return ms
	}
	return append(ms[:i], ms[i+1:]...)
}

func indexPending(ms []Message, senderID, content string) int {
	for i := range ms {
		if ms[i].IsTemporary() && ms[i].SenderID == senderID && ms[i].Content == content {
			return i
		}
	}
	return -1
}
