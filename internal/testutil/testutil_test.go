package testutil

import (
	"testing"
	"weak"
)

func TestKeySequence(t *testing.T) {
	seq := NewKeySequence()
	for want := int64(1); want <= 3; want++ {
		if got := seq.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}

	seq.Reset()
	if got := seq.Next(); got != 1 {
		t.Fatalf("Next() after Reset = %d, want 1", got)
	}
}

func TestCollect_ClearsWeakPointers(t *testing.T) {
	p := func() weak.Pointer[int] {
		v := new(int)
		*v = 7
		return weak.Make(v)
	}()

	Collect()
	if p.Value() != nil {
		t.Fatal("weak pointer still resolves after Collect")
	}
}
