package hash

import "testing"

func TestHashDeterministic(t *testing.T) {
	for _, method := range []Method{MD5, SHA256, SHA512, HMACMD5, HMACSHA256, HMACSHA512} {
		h, err := New(method, "secret-phrase")
		if err != nil {
			t.Fatalf("New(%s): %v", method, err)
		}
		first := h.Hash("12345")
		second := h.Hash("12345")
		if first != second {
			t.Fatalf("%s: same input produced different digests: %s vs %s", method, first, second)
		}
		if h.Hash("12346") == first {
			t.Fatalf("%s: different inputs produced the same digest", method)
		}
	}
}

func TestDifferentSecretsNotComparable(t *testing.T) {
	perTable, _ := New(HMACSHA256, "per-table-secret")
	master, _ := New(HMACSHA256, "master-secret")
	change, _ := New(HMACSHA256, "change-detect-secret")

	digests := map[string]bool{
		perTable.Hash("9000"): true,
		master.Hash("9000"):   true,
		change.Hash("9000"):   true,
	}
	if len(digests) != 3 {
		t.Fatalf("independent secrets produced overlapping digests for the same input")
	}
}

func TestSaltedAndKeyedDiffer(t *testing.T) {
	salted, _ := New(SHA256, "phrase")
	keyed, _ := New(HMACSHA256, "phrase")
	if salted.Hash("42") == keyed.Hash("42") {
		t.Fatal("salted and HMAC construction should not collide for the same secret")
	}
}

func TestOutputLength(t *testing.T) {
	cases := []struct {
		method Method
		want   int
	}{
		{MD5, 32},
		{SHA256, 64},
		{SHA512, 128},
		{HMACMD5, 32},
		{HMACSHA256, 64},
		{HMACSHA512, 128},
	}
	for _, c := range cases {
		h, err := New(c.method, "x")
		if err != nil {
			t.Fatalf("New(%s): %v", c.method, err)
		}
		if h.OutputLength() != c.want {
			t.Errorf("%s: OutputLength = %d, want %d", c.method, h.OutputLength(), c.want)
		}
		if got := len(h.Hash("anything")); got != c.want {
			t.Errorf("%s: len(Hash) = %d, want %d", c.method, got, c.want)
		}
	}
}

func TestParseMethod(t *testing.T) {
	if m, err := ParseMethod(" HMAC_SHA256 "); err != nil || m != HMACSHA256 {
		t.Fatalf("ParseMethod: got %q, %v", m, err)
	}
	if _, err := ParseMethod("rot13"); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestEmptySecretRejected(t *testing.T) {
	if _, err := New(SHA256, ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
