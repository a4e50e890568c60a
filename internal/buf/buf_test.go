package buf

import "testing"

func TestGetPutRoundTrip(t *testing.T) {
	b := Get()
	b.WriteString("hello")
	if got := b.String(); got != "hello" {
		t.Fatalf("String() = %q, want %q", got, "hello")
	}
	Put(b)

	b2 := Get()
	defer Put(b2)
	if b2.Len() != 0 {
		t.Errorf("Len() = %d, want 0 on a freshly pooled buffer", b2.Len())
	}
}
