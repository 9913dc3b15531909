package params

import (
	"errors"
	"math"
	"testing"
)

func testSet(t *testing.T) *Set {
	t.Helper()
	w := NewParam("layer/w", false, 2, 3)
	b := NewParam("layer/b", true, 2)
	s, err := NewSet(w, b)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return s
}

func TestFlatGradRoundTrip(t *testing.T) {
	s := testSet(t)
	if got := s.NumParams(); got != 8 {
		t.Fatalf("NumParams = %d, want 8", got)
	}
	flat := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	if err := s.SetFlatGrad(flat); err != nil {
		t.Fatalf("SetFlatGrad: %v", err)
	}
	b, _ := s.Lookup("layer/b")
	if b.Grad[0] != 7 || b.Grad[1] != 8 {
		t.Fatalf("bias grad = %v, want [7 8]", b.Grad)
	}
	got := s.FlatGrad()
	for i := range flat {
		if got[i] != flat[i] {
			t.Fatalf("FlatGrad = %v, want %v", got, flat)
		}
	}
}

func TestSetFlatSizeMismatch(t *testing.T) {
	s := testSet(t)
	if err := s.SetFlatValue(make([]float64, 3)); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("err = %v, want ErrSizeMismatch", err)
	}
}

func TestDuplicateName(t *testing.T) {
	if _, err := NewSet(NewParam("a", false, 1), NewParam("a", true, 1)); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}
}

func TestL2SkipsBias(t *testing.T) {
	s := testSet(t)
	if err := s.SetFlatValue([]float64{1, 1, 1, 1, 1, 1, 10, 10}); err != nil {
		t.Fatalf("SetFlatValue: %v", err)
	}
	if got := s.L2(2); math.Abs(got-3) > 1e-12 {
		t.Fatalf("L2 = %v, want 3", got)
	}
	w, _ := s.Lookup("layer/w")
	b, _ := s.Lookup("layer/b")
	if w.Grad[0] != 2 || b.Grad[0] != 0 {
		t.Fatalf("grads w=%v b=%v", w.Grad, b.Grad)
	}
}

func TestEncodeFloatsKeepsNonFinite(t *testing.T) {
	in := []float64{1.5, math.NaN(), math.Inf(1), math.Inf(-1), -0.25}
	out, err := DecodeFloats(EncodeFloats(in))
	if err != nil {
		t.Fatalf("DecodeFloats: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d values, want %d", len(out), len(in))
	}
	if !math.IsNaN(out[1]) || !math.IsInf(out[2], 1) || !math.IsInf(out[3], -1) {
		t.Fatalf("non-finite values not preserved: %v", out)
	}
	if out[0] != 1.5 || out[4] != -0.25 {
		t.Fatalf("finite values changed: %v", out)
	}

	if _, err := DecodeFloats(make([]byte, 7)); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("DecodeFloats(7 bytes) = %v, want ErrSizeMismatch", err)
	}
}
