// Package segments stitches multi-segment acquisition records into one
// logical readout and reapplies the trajectory shift correction computed for
// the readout's reference segment.
package segments

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/girf"
)

// MaxSamples is the largest reassembled sample count the scanner hardware can
// address (uint16 sample counters).
const MaxSamples = 65535

// TrajectoryState carries the predicted and base trajectories of one logical
// readout. Set once when segment 0 opens the readout, read by all later
// segments, discarded after the final segment is reassembled.
type TrajectoryState struct {
	Pred [][]float64 // 3 × full samples
	Base [][]float64 // 3 × full samples
	K0   []float64   // full samples
	// Shift is the per-slice spatial offset in voxels (logical axes).
	Shift [3]float64
	// Matrix is the encoded matrix size used to normalise the phase ramp.
	// Axes with a zero entry contribute no correction.
	Matrix [3]int
}

// FromPrediction wraps a trajectory prediction and position shift.
func FromPrediction(p *girf.Prediction, shift [3]float64, matrix [3]int) *TrajectoryState {
	return &TrajectoryState{Pred: p.Pred, Base: p.Base, K0: p.K0, Shift: shift, Matrix: matrix}
}

// InProgress is a logical readout being assembled from ADC segments. It owns
// growable sample storage; the underlying record is frozen on Finalize and
// must not be read before that.
type InProgress struct {
	rec        *mri.AcquisitionRecord
	perSegment int
	segments   int
	last       int // highest segment index written so far
	state      *TrajectoryState
}

// Begin opens an in-progress readout from its segment-0 record. The record's
// sample storage is extended to hold all segments; for non-Cartesian readouts
// (state != nil) the trajectory axes are attached from the prediction.
// timeOffset and dwell fill the per-sample time vector.
func Begin(seg0 *mri.AcquisitionRecord, nSegments int, state *TrajectoryState, timeOffset, dwell float64) (*InProgress, error) {
	if seg0.Index.Segment != 0 {
		return nil, fmt.Errorf("%w: readout opened with segment %d", mri.ErrSequencing, seg0.Index.Segment)
	}
	if nSegments < 1 {
		return nil, fmt.Errorf("%w: segment count %d", mri.ErrProtocolMismatch, nSegments)
	}
	per := seg0.Samples()
	full := per * nSegments
	if full > MaxSamples {
		return nil, fmt.Errorf("%w: %d samples exceed the maximum of %d", mri.ErrProtocolMismatch, full, MaxSamples)
	}

	for c := range seg0.Data {
		ext := make([]complex128, full)
		copy(ext, seg0.Data[c])
		seg0.Data[c] = ext
	}

	if state != nil {
		if len(state.Pred) != 3 || len(state.Pred[0]) != full {
			return nil, fmt.Errorf("%w: predicted trajectory does not cover the reassembled readout", mri.ErrSequencing)
		}
		traj := make([][]float64, mri.TrajAxes)
		for ax := 0; ax < 3; ax++ {
			traj[ax] = append([]float64(nil), state.Pred[ax]...)
		}
		t := make([]float64, full)
		for i := range t {
			t[i] = timeOffset + dwell*float64(i)
		}
		traj[mri.TrajTime] = t
		traj[mri.TrajK0] = append([]float64(nil), state.K0...)
		seg0.Traj = traj
	}

	return &InProgress{rec: seg0, perSegment: per, segments: nSegments, state: state}, nil
}

// Record exposes the record under assembly. Callers must not retain it past
// Finalize.
func (ip *InProgress) Record() *mri.AcquisitionRecord { return ip.rec }

// State returns the readout's trajectory state, nil for Cartesian readouts.
func (ip *InProgress) State() *TrajectoryState { return ip.state }

// Add writes a later segment's payload into the owned storage at the segment
// offset. Segments must arrive in non-decreasing order with no gaps; a
// violation leaves the readout inconsistent and is a sequencing error.
func (ip *InProgress) Add(rec *mri.AcquisitionRecord) error {
	seg := rec.Index.Segment
	if seg < ip.last || seg > ip.last+1 {
		return fmt.Errorf("%w: segment %d after segment %d", mri.ErrSequencing, seg, ip.last)
	}
	if seg >= ip.segments {
		return fmt.Errorf("%w: segment %d outside the declared %d segments", mri.ErrSequencing, seg, ip.segments)
	}
	if rec.Channels() != ip.rec.Channels() {
		return fmt.Errorf("%w: segment %d has %d channels, readout has %d", mri.ErrSequencing, seg, rec.Channels(), ip.rec.Channels())
	}
	if rec.Samples() != ip.perSegment {
		return fmt.Errorf("%w: segment %d has %d samples, expected %d", mri.ErrSequencing, seg, rec.Samples(), ip.perSegment)
	}
	off := seg * ip.perSegment
	for c := range rec.Data {
		copy(ip.rec.Data[c][off:off+ip.perSegment], rec.Data[c])
	}
	ip.last = seg
	return nil
}

// Complete reports whether the final segment has been written.
func (ip *InProgress) Complete() bool { return ip.last == ip.segments-1 }

// Finalize freezes the readout: the trajectory shift correction is reapplied
// against the reference base trajectory and the assembled record is returned.
// The in-progress entity must not be used afterwards.
func (ip *InProgress) Finalize() (*mri.AcquisitionRecord, error) {
	if !ip.Complete() {
		return nil, fmt.Errorf("%w: finalize with segment %d of %d", mri.ErrSequencing, ip.last, ip.segments)
	}
	if ip.state != nil {
		if err := Reapply(ip.rec.Data, ip.state.Pred, ip.state.Base, ip.state.Shift, ip.state.Matrix); err != nil {
			return nil, err
		}
	}
	rec := ip.rec
	ip.rec = nil
	ip.state = nil
	return rec, nil
}

// Reapply corrects samples for the deviation between the predicted trajectory
// and the base trajectory the acquisition's frequency shift was tuned for.
// Trajectories are unitless (cycles across the FOV), the shift is in voxels.
// The per-sample phase is 2π · Σ_axis shift·(pred−base)/matrix and the samples
// are multiplied by exp(−i·phase). With pred == base the correction is exactly
// zero. Axes with a zero matrix entry are skipped.
func Reapply(data [][]complex128, pred, base [][]float64, shift [3]float64, matrix [3]int) error {
	if base == nil {
		return fmt.Errorf("%w: no base trajectory recorded for this readout", mri.ErrSequencing)
	}
	if len(pred) != len(base) {
		return fmt.Errorf("%w: predicted and base trajectory dimensions differ (%d vs %d)", mri.ErrSequencing, len(pred), len(base))
	}
	if len(data) == 0 || len(data[0]) == 0 {
		return nil
	}
	n := len(data[0])
	for ax := range pred {
		if len(pred[ax]) != n || len(base[ax]) != n {
			return fmt.Errorf("%w: trajectory length does not match %d samples", mri.ErrSequencing, n)
		}
	}
	if math.Abs(shift[0]) < 1e-2 && math.Abs(shift[1]) < 1e-2 && math.Abs(shift[2]) < 1e-2 {
		return nil
	}
	phase := make([]float64, n)
	for ax := range pred {
		if ax >= 3 || shift[ax] == 0 || matrix[ax] == 0 {
			continue
		}
		f := 2 * math.Pi * shift[ax] / float64(matrix[ax])
		for i := 0; i < n; i++ {
			phase[i] += f * (pred[ax][i] - base[ax][i])
		}
	}
	for c := range data {
		for i := 0; i < n; i++ {
			data[c][i] *= cmplx.Exp(complex(0, -phase[i]))
		}
	}
	return nil
}
