package redisstore

import "testing"

func TestUnreadKey(t *testing.T) {
	if got := UnreadKey("c1", "u1"); got != "unread:u1:c1" {
		t.Fatalf("key = %q", got)
	}
}
