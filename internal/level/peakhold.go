package level

// PeakHold keeps the highest dB value seen during the process lifetime.
// It is written by the measurement loop only and is not safe for concurrent use.
type PeakHold struct {
	peak int
	set  bool
}

// NewPeakHold creates a peak holder initialized to MinDB
func NewPeakHold() *PeakHold {
	return &PeakHold{peak: MinDB}
}

// Update folds a reading into the held peak and returns the new peak.
// Degenerate readings never raise the peak.
func (p *PeakHold) Update(r Reading) int {
	if r.Degenerate {
		return p.peak
	}
	if !p.set || r.DB > p.peak {
		p.peak = r.DB
		p.set = true
	}
	return p.peak
}

// Value returns the held peak and whether any reading has been seen
func (p *PeakHold) Value() (int, bool) {
	return p.peak, p.set
}
