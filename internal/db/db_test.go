package db

import "testing"

func TestIsSQLite(t *testing.T) {
	cases := map[string]bool{
		"file::memory:?cache=shared":                          true,
		"cache.db":                                            true,
		"/var/lib/app/chat.sqlite":                            true,
		"app:apppass@tcp(127.0.0.1:3306)/chat?parseTime=true": false,
	}
	for dsn, want := range cases {
		if got := IsSQLite(dsn); got != want {
			t.Fatalf("IsSQLite(%q)=%v, want %v", dsn, got, want)
		}
	}
}
