package scheduler

import "testing"

func TestEncodeName_ShortBudget(t *testing.T) {
	// S1 — name shortening (short budget).
	got := EncodeName("waiter-myapp-e8b625cc83c411e8974c38d5474b213d", 32, 5)
	want := "myapp-e8b625cc474b213d"
	if got != want {
		t.Fatalf("EncodeName() = %q, want %q", got, want)
	}
}

func TestEncodeName_WideBudget(t *testing.T) {
	// S2 — name shortening (wide budget): full x+y+z preserved.
	got := EncodeName("waiter-myapp-e8b625cc83c411e8974c38d5474b213d", 64, 5)
	want := "myapp-e8b625cc83c411e8974c38d5474b213d"
	if got != want {
		t.Fatalf("EncodeName() = %q, want %q", got, want)
	}
}

func TestEncodeName_Deterministic(t *testing.T) {
	id := "waiter-some-service-aaaaaaaabbbbbbbbbbbbccccccccdddddddd"
	a := EncodeName(id, 48, 6)
	b := EncodeName(id, 48, 6)
	if a != b {
		t.Fatalf("EncodeName() not deterministic: %q != %q", a, b)
	}
}

func TestEncodeName_RespectsLengthBudget(t *testing.T) {
	// Invariant 6: output length <= max-name-length - pod-suffix-length - 1.
	cases := []struct {
		maxLen, suffixLen int
	}{
		{32, 5}, {40, 6}, {24, 4}, {63, 10},
	}
	id := "waiter-a-very-long-service-name-indeed-e8b625cc83c411e8974c38d5474b213d"
	for _, c := range cases {
		got := EncodeName(id, c.maxLen, c.suffixLen)
		limit := c.maxLen - c.suffixLen - 1
		if len(got) > limit {
			t.Errorf("EncodeName(maxLen=%d, suffixLen=%d) = %q (len %d), want len <= %d",
				c.maxLen, c.suffixLen, got, len(got), limit)
		}
	}
}

func TestEncodeName_ShortServiceID(t *testing.T) {
	got := EncodeName("short-id", 32, 5)
	if got != "short-id" {
		t.Fatalf("EncodeName() = %q, want %q", got, "short-id")
	}
}
