// Package girf predicts the gradient trajectory actually played out by the
// scanner from the nominal waveform and a measured gradient impulse response
// function, and integrates it into a k-space trajectory aligned to the ADC
// sampling raster.
package girf

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/mrphysics-bonn/kspace-stream/internal/monitoring"
)

// Impulse response geometry: three input axes (device x, y, z) map onto four
// output axes. Output 0 is the zeroth-order (global field) term, outputs 1..3
// the spatial device axes.
const (
	// InputAxes is the number of gradient input axes of the response.
	InputAxes = 3
	// OutputAxes is the number of response output axes including the
	// zeroth-order term.
	OutputAxes = 4
)

// ImpulseResponse is the measured system response in frequency domain,
// sampled on the gradient raster. Loaded once per process lifetime.
type ImpulseResponse struct {
	// H[in][out] is the complex frequency response from input axis in to
	// output axis out, centred (DC in the middle), same length per axis.
	H [][][]complex128
	// RasterTime is the sample interval of the measurement, seconds.
	RasterTime float64
}

// Samples returns the frequency sample count per axis pair.
func (r *ImpulseResponse) Samples() int {
	if len(r.H) == 0 || len(r.H[0]) == 0 {
		return 0
	}
	return len(r.H[0][0])
}

func (r *ImpulseResponse) validate() error {
	if len(r.H) != InputAxes {
		return fmt.Errorf("impulse response has %d input axes, want %d", len(r.H), InputAxes)
	}
	n := -1
	for in := range r.H {
		if len(r.H[in]) != OutputAxes {
			return fmt.Errorf("impulse response input %d has %d output axes, want %d", in, len(r.H[in]), OutputAxes)
		}
		for out := range r.H[in] {
			if n < 0 {
				n = len(r.H[in][out])
			}
			if len(r.H[in][out]) != n {
				return fmt.Errorf("impulse response axis (%d,%d) has ragged length", in, out)
			}
		}
	}
	if n == 0 {
		return fmt.Errorf("impulse response is empty")
	}
	if r.RasterTime <= 0 {
		return fmt.Errorf("impulse response raster time must be positive, got %g", r.RasterTime)
	}
	return nil
}

// Identity returns a unit response of n samples: each spatial output axis
// passes its own input through unfiltered with zero delay, and the
// zeroth-order output is zero. Used by tests and as a neutral fallback.
func Identity(n int, rasterTime float64) *ImpulseResponse {
	r := &ImpulseResponse{RasterTime: rasterTime}
	r.H = make([][][]complex128, InputAxes)
	for in := 0; in < InputAxes; in++ {
		r.H[in] = make([][]complex128, OutputAxes)
		for out := 0; out < OutputAxes; out++ {
			axis := make([]complex128, n)
			if out == in+1 {
				for k := range axis {
					axis[k] = 1
				}
			}
			r.H[in][out] = axis
		}
	}
	return r
}

// LoadImpulseResponse reads a gob-encoded, gzip-compressed response file.
func LoadImpulseResponse(path string) (*ImpulseResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open impulse response: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("impulse response is not gzip data: %w", err)
	}
	defer gz.Close()

	var r ImpulseResponse
	if err := gob.NewDecoder(gz).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode impulse response: %w", err)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	monitoring.Logf("[girf] loaded impulse response: %d samples at %.1f us raster", r.Samples(), r.RasterTime*1e6)
	return &r, nil
}

// SaveImpulseResponse writes the gob+gzip representation read by
// LoadImpulseResponse. Used by calibration tooling and tests.
func SaveImpulseResponse(path string, r *ImpulseResponse) error {
	if err := r.validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create impulse response file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if err := gob.NewEncoder(gz).Encode(r); err != nil {
		return fmt.Errorf("encode impulse response: %w", err)
	}
	return gz.Close()
}

// resampled returns a response interpolated onto n frequency samples. The
// interpolation is linear per real and imaginary part; callers are warned
// because a resampled response is an approximation of the measurement.
func (r *ImpulseResponse) resampled(n int) *ImpulseResponse {
	old := r.Samples()
	monitoring.Logf("[girf] WARNING: impulse response interpolated from %d to %d samples, check trajectory result carefully", old, n)

	oldGrid := make([]float64, old)
	newGrid := make([]float64, n)
	for i := range oldGrid {
		oldGrid[i] = float64(old) * float64(i) / float64(old-1)
	}
	for i := range newGrid {
		newGrid[i] = float64(old) * float64(i) / float64(n-1)
	}

	out := &ImpulseResponse{RasterTime: r.RasterTime}
	out.H = make([][][]complex128, InputAxes)
	for in := range r.H {
		out.H[in] = make([][]complex128, OutputAxes)
		for o := range r.H[in] {
			re := make([]float64, old)
			im := make([]float64, old)
			for k, v := range r.H[in][o] {
				re[k] = real(v)
				im[k] = imag(v)
			}
			axis := make([]complex128, n)
			for k := range axis {
				axis[k] = complex(interp(newGrid[k], oldGrid, re), interp(newGrid[k], oldGrid, im))
			}
			out.H[in][o] = axis
		}
	}
	return out
}
