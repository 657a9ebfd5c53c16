package level

import (
	"errors"
	"math"
	"testing"
)

func constantBlock(n int, v int16) []int16 {
	b := make([]int16, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestRMS_Constant(t *testing.T) {
	for _, c := range []int16{1, -1, 1000, -1000, 32767, -32768} {
		got := RMS(constantBlock(1024, c))
		want := math.Abs(float64(c))
		if got != want {
			t.Errorf("RMS(const %d) = %v, want %v", c, got, want)
		}
	}
}

func TestRMS_Empty(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("expected 0 for empty block, got %v", got)
	}
}

func TestRMS_FullScaleNoOverflow(t *testing.T) {
	block := constantBlock(1<<20, -32768)
	if got := RMS(block); got != 32768 {
		t.Errorf("expected 32768, got %v", got)
	}
}

func TestCompute_Scenarios(t *testing.T) {
	est, err := NewEstimator(DefaultK)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	alternating := make([]int16, 16000/1000*500)
	for i := range alternating {
		if i%2 == 0 {
			alternating[i] = 10000
		} else {
			alternating[i] = -10000
		}
	}

	tests := []struct {
		name    string
		block   []int16
		wantRMS float64
		wantDB  int
	}{
		{"48kHz constant 1000", constantBlock(48000/1000*500, 1000), 1000, 53},
		{"16kHz alternating 10000", alternating, 10000, 73},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := est.Compute(tt.block)

			if r.RMS != tt.wantRMS {
				t.Errorf("RMS = %v, want %v", r.RMS, tt.wantRMS)
			}
			if math.Abs(r.Ratio-tt.wantRMS*DefaultK) > 1e-9 {
				t.Errorf("Ratio = %v, want %v", r.Ratio, tt.wantRMS*DefaultK)
			}
			if r.DB != tt.wantDB {
				t.Errorf("DB = %d, want %d", r.DB, tt.wantDB)
			}
			if r.Degenerate {
				t.Error("unexpected degenerate reading")
			}
		})
	}
}

func TestCompute_Silence(t *testing.T) {
	est, _ := NewEstimator(DefaultK)

	r := est.Compute(make([]int16, 8000))

	if !r.Degenerate {
		t.Error("expected degenerate reading for silence")
	}
	if r.DB != MinDB {
		t.Errorf("expected MinDB sentinel, got %d", r.DB)
	}
	if math.IsNaN(r.Ratio) || math.IsInf(r.Ratio, 0) {
		t.Errorf("ratio must be finite, got %v", r.Ratio)
	}
}

func TestToDB_Truncates(t *testing.T) {
	tests := []struct {
		ratio float64
		want  int
	}{
		{1, 0},
		{452.55, 53},  // 53.11
		{0.5, -6},     // -6.02 truncates toward zero
		{0.45255, -6}, // -6.88
		{4525.5, 73},  // 73.11
	}

	for _, tt := range tests {
		got, ok := ToDB(tt.ratio)
		if !ok {
			t.Errorf("ToDB(%v) reported degenerate", tt.ratio)
		}
		if got != tt.want {
			t.Errorf("ToDB(%v) = %d, want %d", tt.ratio, got, tt.want)
		}
	}
}

func TestToDB_Degenerate(t *testing.T) {
	for _, ratio := range []float64{0, -1, math.NaN(), math.Inf(-1), math.Inf(1)} {
		got, ok := ToDB(ratio)
		if ok || got != MinDB {
			t.Errorf("ToDB(%v) = %d, %v; want MinDB, false", ratio, got, ok)
		}
	}
}

func TestToDB_Monotonic(t *testing.T) {
	est, _ := NewEstimator(DefaultK)

	prev := math.MinInt
	for rms := 0.5; rms < 40000; rms *= 1.07 {
		db, ok := ToDB(rms * est.K())
		if !ok {
			t.Fatalf("unexpected degenerate at rms %v", rms)
		}
		if db < prev {
			t.Fatalf("dB decreased at rms %v: %d < %d", rms, db, prev)
		}
		prev = db
	}
}

func TestNewEstimator_InvalidK(t *testing.T) {
	for _, k := range []float64{0, -0.45, math.NaN(), math.Inf(1)} {
		if _, err := NewEstimator(k); !errors.Is(err, ErrInvalidK) {
			t.Errorf("NewEstimator(%v) error = %v, want ErrInvalidK", k, err)
		}
	}
}
