// Package sorter converts a completed group of acquisition records into
// reconstruction-ready arrays: a dense Cartesian k-space grid or a non-uniform
// sample array with its matching trajectory.
package sorter

import (
	"fmt"
	"math"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/protocol"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/whiten"
	"github.com/mrphysics-bonn/kspace-stream/internal/monitoring"
)

// DefaultRingingFactor is the radial cutoff fraction of the ringing filter.
const DefaultRingingFactor = 0.95

// Sorter sorts record groups according to the measurement snapshot. The noise
// model may be nil (no whitening). A RingingFactor of 0 disables the filter;
// 1 keeps every sample untouched.
type Sorter struct {
	Snap          *protocol.Snapshot
	Model         *whiten.Model
	RingingFactor float64
}

// New returns a sorter with the default ringing filter.
func New(snap *protocol.Snapshot, model *whiten.Model) *Sorter {
	return &Sorter{Snap: snap, Model: model, RingingFactor: DefaultRingingFactor}
}

// Cartesian is a dense k-space array, channels × freq × phase × partition.
type Cartesian struct {
	Data     []complex128
	Channels int
	Freq     int
	Phase    int
	Part     int
}

// At reads one cell.
func (k *Cartesian) At(c, f, p, q int) complex128 {
	return k.Data[((c*k.Freq+f)*k.Phase+p)*k.Part+q]
}

func (k *Cartesian) add(c, f, p, q int, v complex128) {
	k.Data[((c*k.Freq+f)*k.Phase+p)*k.Part+q] += v
}

func (k *Cartesian) scale(c, f, p, q int, s float64) {
	k.Data[((c*k.Freq+f)*k.Phase+p)*k.Part+q] *= complex(s, 0)
}

// SortCartesian accumulates the group into a zero-filled grid. Repeated cells
// (averages) are summed and divided by their hit count; cells never visited
// stay zero, which is the intended zero-fill for undersampled acquisitions.
// With zfAroundCenter, encoding indices of an acquisition narrower than the
// full matrix are recentred around the matrix centre, as reference scans are.
func (s *Sorter) SortCartesian(records []*mri.AcquisitionRecord, zfAroundCenter bool) (*Cartesian, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty group", mri.ErrIncompleteGroup)
	}

	nc := s.Snap.Channels
	// readout oversampling doubles the frequency axis
	freq := 2 * s.Snap.Matrix[0]
	phase := s.Snap.Matrix[1]
	part := s.Snap.Matrix[2]

	enc1Max, enc2Max := 0, 0
	for _, r := range records {
		if r.Index.Step1 > enc1Max {
			enc1Max = r.Index.Step1
		}
		if r.Index.Step2 > enc2Max {
			enc2Max = r.Index.Step2
		}
	}

	out := &Cartesian{
		Data:     make([]complex128, nc*freq*phase*part),
		Channels: nc,
		Freq:     freq,
		Phase:    phase,
		Part:     part,
	}
	hits := make([]int, phase*part)

	monitoring.Debugf("[sorter] cartesian: grid %dx%dx%d, enc1 max %d, enc2 max %d, cols %d",
		freq, phase, part, enc1Max, enc2Max, records[0].Samples())

	for _, r := range records {
		data, err := s.Model.Apply(r.Data)
		if err != nil {
			return nil, err
		}
		if len(data) != nc {
			return nil, fmt.Errorf("%w: record has %d channels, header says %d", mri.ErrProtocolMismatch, len(data), nc)
		}

		enc1 := r.Index.Step1
		enc2 := r.Index.Step2
		if zfAroundCenter {
			// assume a symmetric acquisition around the k-space centre
			enc1 += phase/2 - (enc1Max+1)/2
			enc2 += part/2 - (enc2Max+1)/2
		}
		if enc1 < 0 || enc1 >= phase || enc2 < 0 || enc2 >= part {
			return nil, fmt.Errorf("%w: encoding step (%d,%d) outside matrix %dx%d", mri.ErrProtocolMismatch, enc1, enc2, phase, part)
		}

		// centre narrower readouts on the frequency axis
		ncol := r.Samples()
		if ncol > freq {
			return nil, fmt.Errorf("%w: %d readout columns exceed frequency axis %d", mri.ErrProtocolMismatch, ncol, freq)
		}
		col0 := freq/2 - ncol/2

		for c := 0; c < nc; c++ {
			for i := 0; i < ncol; i++ {
				out.add(c, col0+i, enc1, enc2, data[c][i])
			}
		}
		hits[enc1*part+enc2]++
	}

	for p := 0; p < phase; p++ {
		for q := 0; q < part; q++ {
			h := hits[p*part+q]
			if h <= 1 {
				continue
			}
			inv := 1 / float64(h)
			for c := 0; c < nc; c++ {
				for f := 0; f < freq; f++ {
					out.scale(c, f, p, q, inv)
				}
			}
		}
	}
	return out, nil
}

// NonUniform is the sample array and matching trajectory of a non-Cartesian
// group. Samples carry axis order [1, cols, acquisitions, channels] and the
// trajectory [3, cols, acquisitions], the layout the reconstruction
// collaborator consumes.
type NonUniform struct {
	Samples  []complex128
	Traj     []float64
	Cols     int
	Acqs     int
	Channels int
	// Time and K0 are the per-acquisition time vector and accumulated
	// zeroth-order phase, acquisitions × cols; nil when records carry none.
	Time [][]float64
	K0   [][]float64
}

// Sample reads one sample.
func (n *NonUniform) Sample(col, acq, ch int) complex128 {
	return n.Samples[(col*n.Acqs+acq)*n.Channels+ch]
}

// TrajAt reads one trajectory coordinate.
func (n *NonUniform) TrajAt(axis, col, acq int) float64 {
	return n.Traj[(axis*n.Cols+col)*n.Acqs+acq]
}

// SortNonUniform concatenates samples and trajectories across the group in
// acquisition order, whitening each record and attenuating the outermost
// k-space samples with the ringing filter.
func (s *Sorter) SortNonUniform(records []*mri.AcquisitionRecord) (*NonUniform, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty group", mri.ErrIncompleteGroup)
	}
	cols := records[0].Samples()
	nc := records[0].Channels()
	hasTime := len(records[0].Traj) >= mri.TrajAxes

	out := &NonUniform{
		Samples:  make([]complex128, cols*len(records)*nc),
		Traj:     make([]float64, 3*cols*len(records)),
		Cols:     cols,
		Acqs:     len(records),
		Channels: nc,
	}
	if hasTime {
		out.Time = make([][]float64, len(records))
		out.K0 = make([][]float64, len(records))
	}

	for a, r := range records {
		if r.Samples() != cols || r.Channels() != nc {
			return nil, fmt.Errorf("%w: ragged group (record %d: %dx%d, want %dx%d)",
				mri.ErrProtocolMismatch, a, r.Channels(), r.Samples(), nc, cols)
		}
		if len(r.Traj) < 3 {
			return nil, fmt.Errorf("%w: record %d carries no trajectory", mri.ErrSequencing, a)
		}

		data, err := s.Model.Apply(r.Data)
		if err != nil {
			return nil, err
		}
		if s.RingingFactor > 0 && s.RingingFactor < 1 {
			data = ringingFilter(data, r.Traj, s.RingingFactor)
		}

		for c := 0; c < nc; c++ {
			for i := 0; i < cols; i++ {
				out.Samples[(i*out.Acqs+a)*nc+c] = data[c][i]
			}
		}
		// switch x and y dir for correct orientation
		order := [3]int{mri.TrajKy, mri.TrajKx, mri.TrajKz}
		for axis := 0; axis < 3; axis++ {
			src := r.Traj[order[axis]]
			for i := 0; i < cols; i++ {
				out.Traj[(axis*cols+i)*out.Acqs+a] = src[i]
			}
		}
		if hasTime {
			out.Time[a] = r.Traj[mri.TrajTime]
			out.K0[a] = r.Traj[mri.TrajK0]
		}
	}
	return out, nil
}

// ringingFilter applies a raised-cosine rolloff to samples whose radial
// k-space position exceeds factor·|k|max, suppressing Gibbs ringing from the
// hard trajectory edge.
func ringingFilter(data [][]complex128, traj [][]float64, factor float64) [][]complex128 {
	n := len(data[0])
	kr := make([]float64, n)
	krMax := 0.0
	for i := 0; i < n; i++ {
		v := math.Sqrt(traj[mri.TrajKx][i]*traj[mri.TrajKx][i] +
			traj[mri.TrajKy][i]*traj[mri.TrajKy][i] +
			traj[mri.TrajKz][i]*traj[mri.TrajKz][i])
		kr[i] = v
		if v > krMax {
			krMax = v
		}
	}
	if krMax == 0 {
		return data
	}
	cut := factor * krMax
	width := (1 - factor) * krMax
	out := make([][]complex128, len(data))
	for c := range data {
		row := append([]complex128(nil), data[c]...)
		for i := 0; i < n; i++ {
			if kr[i] > cut {
				w := 0.5 + 0.5*math.Cos(math.Pi*(kr[i]-cut)/width)
				row[i] *= complex(w, 0)
			}
		}
		out[c] = row
	}
	return out
}
