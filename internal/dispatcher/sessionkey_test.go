package dispatcher

import (
	"fmt"
	"testing"
)

func TestExtractSessionKey_NoPrefix(t *testing.T) {
	key, rest := extractSessionKey("hello there")
	if key != 0 || rest != "hello there" {
		t.Fatalf("got (%d, %q), want (0, %q)", key, rest, "hello there")
	}
}

func TestExtractSessionKey_Prefix(t *testing.T) {
	cases := []struct {
		in       string
		wantKey  int
		wantRest string
	}{
		{"#3 what's up", 3, "what's up"},
		{"#12 ", 12, ""},
		{"#0 hi", 0, "hi"},
		{"  #7 hi", 7, "hi"},
	}
	for _, c := range cases {
		key, rest := extractSessionKey(c.in)
		if key != c.wantKey || rest != c.wantRest {
			t.Errorf("extractSessionKey(%q) = (%d, %q), want (%d, %q)", c.in, key, rest, c.wantKey, c.wantRest)
		}
	}
}

func TestExtractSessionKey_LeftInverse(t *testing.T) {
	for _, k := range []int{0, 1, 9, 42, 1000} {
		for _, content := range []string{"hello", "", "#5 already prefixed"} {
			prefixed := fmt.Sprintf("#%d %s", k, content)
			gotKey, gotRest := extractSessionKey(prefixed)
			if gotKey != k || gotRest != content {
				t.Errorf("round-trip for k=%d content=%q: got (%d, %q)", k, content, gotKey, gotRest)
			}
		}
	}
}

func TestExtractSessionKey_NotDigitsOnly(t *testing.T) {
	key, rest := extractSessionKey("#abc hi")
	if key != 0 || rest != "#abc hi" {
		t.Fatalf("non-numeric hash should not match: got (%d, %q)", key, rest)
	}
}
