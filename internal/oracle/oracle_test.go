package oracle

import (
	"testing"

	"varswap/internal/fixedpoint"
)

func TestStaticSetAndRead(t *testing.T) {
	o := NewStatic("test-index", fixedpoint.FromInt(100))

	if o.Name() != "test-index" {
		t.Errorf("name = %s, want test-index", o.Name())
	}

	v, err := o.LatestIndexValue()
	if err != nil {
		t.Fatalf("LatestIndexValue failed: %v", err)
	}
	if v.Cmp(fixedpoint.FromInt(100)) != 0 {
		t.Errorf("value = %s, want 100", v)
	}

	o.Set(fixedpoint.FromInt(250))
	v, _ = o.LatestIndexValue()
	if v.Cmp(fixedpoint.FromInt(250)) != 0 {
		t.Errorf("value after Set = %s, want 250", v)
	}
}

func TestRandomWalkBounds(t *testing.T) {
	start := fixedpoint.FromInt(100)
	maxStep := fixedpoint.FromInt(5)
	floor := fixedpoint.FromInt(1)
	o := NewRandomWalk("sim", start, maxStep, floor, 42)

	prev := start
	for i := 0; i < 200; i++ {
		v, err := o.LatestIndexValue()
		if err != nil {
			t.Fatalf("LatestIndexValue failed: %v", err)
		}
		if v.Cmp(floor) < 0 {
			t.Fatalf("walk dropped below floor: %s", v)
		}
		diff, err := v.Sub(prev)
		if err != nil {
			t.Fatalf("Sub failed: %v", err)
		}
		if diff.Sign() < 0 {
			diff, _ = fixedpoint.Value{}.Sub(diff)
		}
		if diff.Cmp(maxStep) > 0 {
			t.Fatalf("step %s exceeds max %s", diff, maxStep)
		}
		prev = v
	}
}

func TestRandomWalkDeterministicSeed(t *testing.T) {
	a := NewRandomWalk("sim", fixedpoint.FromInt(100), fixedpoint.FromInt(5), fixedpoint.FromInt(1), 7)
	b := NewRandomWalk("sim", fixedpoint.FromInt(100), fixedpoint.FromInt(5), fixedpoint.FromInt(1), 7)

	for i := 0; i < 50; i++ {
		va, _ := a.LatestIndexValue()
		vb, _ := b.LatestIndexValue()
		if va.Cmp(vb) != 0 {
			t.Fatalf("walks diverged at step %d: %s vs %s", i, va, vb)
		}
	}
}
