package level

import "testing"

func TestPeakHold_Initial(t *testing.T) {
	p := NewPeakHold()

	peak, ok := p.Value()
	if ok {
		t.Error("expected no peak before first reading")
	}
	if peak != MinDB {
		t.Errorf("expected MinDB, got %d", peak)
	}
}

func TestPeakHold_RunningMax(t *testing.T) {
	p := NewPeakHold()

	readings := []int{40, 53, 47, -6, 73, 60, 73, 12}
	want := MinDB

	for _, db := range readings {
		if db > want {
			want = db
		}
		prev, _ := p.Value()

		got := p.Update(Reading{DB: db})

		if got != want {
			t.Errorf("after %d: peak = %d, want %d", db, got, want)
		}
		if got < prev {
			t.Errorf("peak decreased from %d to %d", prev, got)
		}
	}
}

func TestPeakHold_NegativeFirst(t *testing.T) {
	p := NewPeakHold()

	if got := p.Update(Reading{DB: -12}); got != -12 {
		t.Errorf("expected -12, got %d", got)
	}
}

func TestPeakHold_IgnoresDegenerate(t *testing.T) {
	p := NewPeakHold()
	p.Update(Reading{DB: 40})

	got := p.Update(Reading{DB: MinDB, Degenerate: true})
	if got != 40 {
		t.Errorf("expected peak 40 to be kept, got %d", got)
	}
}
