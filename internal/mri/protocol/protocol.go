// Package protocol loads the per-measurement header snapshot: encoding
// geometry, acquisition limits, user parameters and auxiliary named arrays.
// The snapshot is read once at stream start and treated as immutable.
package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/monitoring"
)

// Limits holds the maximum encoding counter per dimension (inclusive), so the
// dimension size is the limit plus one.
type Limits struct {
	Slice      int `json:"slice"`
	Contrast   int `json:"contrast"`
	Phase      int `json:"phase"`
	Repetition int `json:"repetition"`
	Average    int `json:"average"`
	Set        int `json:"set"`
	Segment    int `json:"segment"`
	Step1      int `json:"step1"`
	Step2      int `json:"step2"`
}

// Snapshot is the immutable configuration of one measurement.
type Snapshot struct {
	// TrajectoryType is "cartesian" for grid-sampled encodings; anything else
	// ("spiral", "radial", ...) selects the non-uniform path.
	TrajectoryType string `json:"trajectory_type"`

	Matrix   [3]int     `json:"matrix"`    // encoded matrix size x,y,z
	FOV      [3]float64 `json:"fov_mm"`    // encoded field of view, mm
	Channels int        `json:"channels"`  // receiver channels
	Limits   Limits     `json:"limits"`    // encoding counter maxima

	// User parameters, mirroring the sequence's free parameter slots.
	DwellTimeUS      float64 `json:"dwell_time_us"`     // ADC dwell, microseconds
	GradientDelay    float64 `json:"gradient_delay_s"`  // gradient-to-ADC delay, seconds
	TimeOffset       float64 `json:"time_offset_s"`     // start of the ADC time vector, seconds
	ReferenceVoltage float64 `json:"reference_voltage"` // transmitter reference, volts

	// Arrays holds auxiliary named arrays (e.g. b_values, Directions).
	Arrays map[string][][]float64 `json:"arrays,omitempty"`

	// Gradients are the nominal readout gradient waveforms per kspace step-1
	// index, axes × samples, T/m, on the impulse-response raster. Required for
	// non-Cartesian encodings.
	Gradients [][][]float64 `json:"gradients,omitempty"`
}

// Load reads and validates a snapshot from a JSON file.
func Load(path string) (*Snapshot, error) {
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: read protocol: %v", mri.ErrProtocolMismatch, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parse protocol: %v", mri.ErrProtocolMismatch, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	monitoring.Logf("[protocol] loaded %s: %s encoding, matrix %dx%dx%d, %d slices, %d segments",
		clean, s.TrajectoryType, s.Matrix[0], s.Matrix[1], s.Matrix[2], s.Slices(), s.Segments())
	return &s, nil
}

// Validate checks the invariants every consumer relies on. All violations are
// protocol mismatches, fatal for the stream.
func (s *Snapshot) Validate() error {
	for i, m := range s.Matrix {
		if m <= 0 {
			return fmt.Errorf("%w: matrix axis %d is %d", mri.ErrProtocolMismatch, i, m)
		}
	}
	if s.FOV[0] <= 0 || s.FOV[1] <= 0 {
		return fmt.Errorf("%w: field of view must be positive", mri.ErrProtocolMismatch)
	}
	if s.Channels <= 0 {
		return fmt.Errorf("%w: channel count %d", mri.ErrProtocolMismatch, s.Channels)
	}
	if s.DwellTimeUS <= 0 {
		return fmt.Errorf("%w: dwell time %g us", mri.ErrProtocolMismatch, s.DwellTimeUS)
	}
	if s.Limits.Segment < 0 || s.Limits.Slice < 0 {
		return fmt.Errorf("%w: negative encoding limits", mri.ErrProtocolMismatch)
	}
	if !s.IsCartesian() && len(s.Gradients) == 0 {
		return fmt.Errorf("%w: %s encoding requires nominal gradient waveforms", mri.ErrProtocolMismatch, s.TrajectoryType)
	}
	if dirs, ok := s.Arrays["Directions"]; ok {
		if b, ok2 := s.Arrays["b_values"]; ok2 && len(b) > 0 && len(b[0]) > 0 {
			// one direction set per non-zero b-value contrast
			if want := s.Limits.Contrast; len(dirs) > 0 && want > 0 && len(dirs) < want {
				return fmt.Errorf("%w: %d diffusion directions for %d contrasts", mri.ErrProtocolMismatch, len(dirs), want)
			}
		}
	}
	return nil
}

// IsCartesian reports whether the encoding samples on the Cartesian grid.
func (s *Snapshot) IsCartesian() bool { return s.TrajectoryType == "cartesian" }

// DwellTime returns the ADC dwell in seconds.
func (s *Snapshot) DwellTime() float64 { return s.DwellTimeUS * 1e-6 }

// Slices returns the slice dimension size.
func (s *Snapshot) Slices() int { return s.Limits.Slice + 1 }

// Contrasts returns the contrast dimension size.
func (s *Snapshot) Contrasts() int { return s.Limits.Contrast + 1 }

// Segments returns the ADC segment count per logical readout.
func (s *Snapshot) Segments() int { return s.Limits.Segment + 1 }

// Interleaves returns the kspace step-1 dimension size.
func (s *Snapshot) Interleaves() int { return s.Limits.Step1 + 1 }

// Resolution returns mm per voxel for the in-plane axes; the third entry is 1
// because slice offsets are already expressed in partitions.
func (s *Snapshot) Resolution() [3]float64 {
	return [3]float64{
		s.FOV[0] / float64(s.Matrix[0]),
		s.FOV[1] / float64(s.Matrix[1]),
		1,
	}
}

// NominalGradient returns the nominal waveform for a step-1 index.
func (s *Snapshot) NominalGradient(step1 int) ([][]float64, bool) {
	if step1 < 0 || step1 >= len(s.Gradients) {
		return nil, false
	}
	g := s.Gradients[step1]
	if len(g) == 0 {
		return nil, false
	}
	return g, true
}

// Array returns a named auxiliary array.
func (s *Snapshot) Array(name string) ([][]float64, bool) {
	a, ok := s.Arrays[name]
	return a, ok
}
