package chat

import "testing"

func TestDeriveConversationID_Symmetric(t *testing.T) {
	t.Parallel()

	a := DeriveConversationID("user-9", "user-1")
	b := DeriveConversationID("user-1", "user-9")
	if a != b {
		t.Fatalf("expected symmetric ids, got %q and %q", a, b)
	}
	if a != "conv_user-1_user-9" {
		t.Fatalf("unexpected id: %q", a)
	}
}

func TestDeriveConversationID_Ordering(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want string
	}{
		{"alice", "bob", "conv_alice_bob"},
		{"bob", "alice", "conv_alice_bob"},
		{"t-1", "s-2", "conv_s-2_t-1"},
		{"x", "x", "conv_x_x"},
	}
	for _, tc := range cases {
		if got := DeriveConversationID(tc.a, tc.b); got != tc.want {
			t.Fatalf("DeriveConversationID(%q, %q) = %q, want %q", tc.a, tc.b, got, tc.want)
		}
	}
}
