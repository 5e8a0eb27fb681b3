// Package geom provides rotations between the logical gradient axes
// (read/phase/slice), the fixed device axes and the patient frame.
package geom

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
)

// Logical axis order used throughout: read, phase, slice.

// RotationFromPose builds the 3×3 rotation from logical to device axes out of
// a record's direction cosines. Columns are the read, phase and slice
// directions expressed in the device frame. Entries are rounded to 1e-6 so
// that poses quantised by the scanner produce exactly orthonormal matrices.
func RotationFromPose(p mri.Pose) *mat.Dense {
	r := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		r.Set(i, 0, round6(p.ReadDir[i]))
		r.Set(i, 1, round6(p.PhaseDir[i]))
		r.Set(i, 2, round6(p.SliceDir[i]))
	}
	return r
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }

// LogicalToDevice rotates per-axis waveforms (3 × samples) from logical
// read/phase/slice axes into the device frame.
func LogicalToDevice(rot *mat.Dense, axes [][]float64) [][]float64 {
	return rotate(rot, axes, false)
}

// DeviceToLogical rotates per-axis waveforms (3 × samples) from the device
// frame back to logical axes. The rotation is orthonormal, so the inverse is
// the transpose.
func DeviceToLogical(rot *mat.Dense, axes [][]float64) [][]float64 {
	return rotate(rot, axes, true)
}

func rotate(rot *mat.Dense, axes [][]float64, transpose bool) [][]float64 {
	if len(axes) != 3 {
		panic("geom: rotate requires exactly 3 axes")
	}
	n := len(axes[0])
	out := make([][]float64, 3)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for s := 0; s < n; s++ {
		for i := 0; i < 3; i++ {
			var v float64
			for j := 0; j < 3; j++ {
				if transpose {
					v += rot.At(j, i) * axes[j][s]
				} else {
					v += rot.At(i, j) * axes[j][s]
				}
			}
			out[i][s] = v
		}
	}
	return out
}

// PatientToLogicalShift converts a patient-frame position (mm) into a logical
// frame shift in voxels, given the per-axis resolution (mm per voxel). Axes
// with zero resolution map to a zero shift.
func PatientToLogicalShift(rot *mat.Dense, position [3]float64, res [3]float64) [3]float64 {
	var shift [3]float64
	for i := 0; i < 3; i++ {
		var v float64
		for j := 0; j < 3; j++ {
			v += rot.At(j, i) * position[j]
		}
		if res[i] != 0 {
			shift[i] = v / res[i]
		}
	}
	return shift
}
