// Package level converts blocks of 16-bit samples into calibrated sound pressure levels.
package level

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MinDB is returned for blocks whose pressure ratio is not positive
	// (all-zero input). It is the lowest 32-bit signed value so it can never be
	// confused with a real reading and still formats as a plain integer.
	MinDB = math.MinInt32

	// DefaultK is the calibration constant found by experiment for the
	// reference microphone: pressure/P0 = k * sample.
	DefaultK = 0.45255
)

// ErrInvalidK is returned for a calibration constant that is not a positive finite number
var ErrInvalidK = errors.New("calibration constant must be positive and finite")

// Reading is the result of one block estimation.
type Reading struct {
	RMS        float64 `json:"rms"`        // Root mean square amplitude in sample units
	Ratio      float64 `json:"ratio"`      // RMS * k
	DB         int     `json:"db"`         // 20*log10(Ratio), truncated toward zero
	Degenerate bool    `json:"degenerate"` // Ratio <= 0, DB holds MinDB
}

// Estimator computes calibrated dB readings. It holds no per-block state.
type Estimator struct {
	k float64
}

// NewEstimator creates an estimator with calibration constant k
func NewEstimator(k float64) (*Estimator, error) {
	if !(k > 0) || math.IsInf(k, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidK, k)
	}
	return &Estimator{k: k}, nil
}

// K returns the calibration constant
func (e *Estimator) K() float64 {
	return e.k
}

// Compute estimates the level of one block. The block is only read during
// the call and never retained.
func (e *Estimator) Compute(block []int16) Reading {
	rms := RMS(block)
	ratio := rms * e.k
	db, ok := ToDB(ratio)

	return Reading{
		RMS:        rms,
		Ratio:      ratio,
		DB:         db,
		Degenerate: !ok,
	}
}

// RMS returns the root mean square of block. Squares are summed in an int64
// accumulator: 32768^2 * 2^31 still fits, so no realistic block overflows.
func RMS(block []int16) float64 {
	if len(block) == 0 {
		return 0
	}

	var sum int64
	for _, s := range block {
		v := int64(s)
		sum += v * v
	}

	return math.Sqrt(float64(sum) / float64(len(block)))
}

// ToDB converts a pressure ratio into whole decibels, truncating toward zero.
// It returns MinDB and false when the ratio is not positive.
func ToDB(ratio float64) (int, bool) {
	if !(ratio > 0) || math.IsInf(ratio, 0) {
		return MinDB, false
	}
	return int(20 * math.Log10(ratio)), true
}
