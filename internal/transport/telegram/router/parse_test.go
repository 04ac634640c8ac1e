package router

import (
	"reflect"
	"strings"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`/hello`, []string{"/hello"}},
		{`/create raids "Night raid" 22:00`, []string{"/create", "raids", "Night raid", "22:00"}},
		{`/create a 'b c' --repeat "0 22 * * 5"`, []string{"/create", "a", "b c", "--repeat", "0 22 * * 5"}},
		{`/x a\ b`, []string{"/x", "a b"}},
		{`/x ""`, []string{"/x", ""}},
		{"  ", nil},
	}
	for _, tc := range cases {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenize(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"raids", "-5", "--repeat", "@weekly", "--comment=hi there", "-v", "--dry"})
	if !reflect.DeepEqual(pos, []string{"raids", "-5"}) {
		t.Fatalf("pos = %#v", pos)
	}
	if flags["repeat"] != "@weekly" || flags["comment"] != "hi there" {
		t.Fatalf("flags = %#v", flags)
	}
	if !bools["v"] || !bools["dry"] {
		t.Fatalf("bools = %#v", bools)
	}
}

func TestNewReqIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := newReqID()
		if seen[id] || strings.TrimSpace(id) == "" {
			t.Fatalf("duplicate or empty id %q", id)
		}
		seen[id] = true
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	cases := map[string]string{
		"Queue":       "queue",
		"flush-queue": "flush_queue",
		"a  b":        "a_b",
		"1st":         "cmd_1st",
		"!!":          "",
		"__x__":       "x",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
