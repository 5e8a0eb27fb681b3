package mri

import "fmt"

// RoleFlags is the bit set carried by every acquisition record. Flags may
// combine: a record can be both imaging and last-in-slice.
type RoleFlags uint32

const (
	// FlagNoise marks a noise-only measurement used for decorrelation.
	FlagNoise RoleFlags = 1 << iota
	// FlagCalibration marks a parallel-imaging reference scan.
	FlagCalibration
	// FlagDummy marks a synchronisation scan that carries no image content.
	FlagDummy
	// FlagPhaseNavigator marks a phase-correction navigator readout.
	FlagPhaseNavigator
	// FlagLastInSlice closes the current group for the record's slice.
	FlagLastInSlice
	// FlagLastInRepetition closes the current group for the record's repetition.
	FlagLastInRepetition
	// FlagLastInMeasurement marks the final acquisition of the whole stream.
	FlagLastInMeasurement
)

// Has reports whether all bits of f are set.
func (r RoleFlags) Has(f RoleFlags) bool { return r&f == f }

// Role is the closed classification a router dispatches on. Exactly one role
// applies to each record; completion flags are orthogonal to the role.
type Role int

const (
	// RoleNoise routes to the noise buffer.
	RoleNoise Role = iota
	// RoleNavigator routes to the phase-navigator buffer (or is discarded).
	RoleNavigator
	// RoleDummy is always discarded.
	RoleDummy
	// RoleCalibration routes to the per-slice calibration buffer.
	RoleCalibration
	// RoleImaging routes to the slice/contrast group buffer.
	RoleImaging
)

// String implements fmt.Stringer for metrics labels and logs.
func (r Role) String() string {
	switch r {
	case RoleNoise:
		return "noise"
	case RoleNavigator:
		return "navigator"
	case RoleDummy:
		return "dummy"
	case RoleCalibration:
		return "calibration"
	case RoleImaging:
		return "imaging"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// EncodingIndex locates a record within the encoded k-space of one measurement.
type EncodingIndex struct {
	Slice      int
	Contrast   int
	Phase      int
	Repetition int
	Average    int
	Set        int
	Segment    int
	Step1      int // kspace encoding step 1 (phase encode / interleave)
	Step2      int // kspace encoding step 2 (partition)
}

// Pose is the spatial orientation and position of a readout: direction cosines
// of the logical axes in the device frame plus the patient-frame position.
type Pose struct {
	ReadDir  [3]float64
	PhaseDir [3]float64
	SliceDir [3]float64
	Position [3]float64 // mm, patient coordinate system
}

// Trajectory axis indices within AcquisitionRecord.Traj.
const (
	TrajKx = iota
	TrajKy
	TrajKz
	TrajTime // ADC time vector, seconds
	TrajK0   // accumulated zeroth-order phase, radians
	// TrajAxes is the full axis count carried by non-Cartesian records.
	TrajAxes
)

// AcquisitionRecord is one readout: complex samples per channel plus an
// optional per-sample trajectory. Records are immutable once their flags are
// set, with one exception: segmented readouts are filled in place by the
// segment reassembler until the final segment arrives.
type AcquisitionRecord struct {
	Flags RoleFlags
	Index EncodingIndex
	Pose  Pose

	// Data is channels × samples.
	Data [][]complex128
	// Traj is axes × samples (kx, ky, kz, t, k0) for non-Cartesian imaging
	// records; nil for Cartesian, noise and calibration records.
	Traj [][]float64
}

// Role classifies the record. Precedence mirrors the acquisition order: noise
// and navigator/dummy scans can never simultaneously be calibration or imaging
// data, so the first matching flag wins.
func (a *AcquisitionRecord) Role() Role {
	switch {
	case a.Flags.Has(FlagNoise):
		return RoleNoise
	case a.Flags.Has(FlagPhaseNavigator):
		return RoleNavigator
	case a.Flags.Has(FlagDummy):
		return RoleDummy
	case a.Flags.Has(FlagCalibration):
		return RoleCalibration
	default:
		return RoleImaging
	}
}

// Channels returns the coil channel count.
func (a *AcquisitionRecord) Channels() int { return len(a.Data) }

// Samples returns the per-channel sample count, 0 for an empty record.
func (a *AcquisitionRecord) Samples() int {
	if len(a.Data) == 0 {
		return 0
	}
	return len(a.Data[0])
}

// CompletesSlice reports whether the record closes its slice group.
func (a *AcquisitionRecord) CompletesSlice() bool {
	return a.Flags.Has(FlagLastInSlice) || a.Flags.Has(FlagLastInRepetition)
}

// Clone returns a deep copy. Used when a buffer must outlive the caller's
// reuse of the record storage.
func (a *AcquisitionRecord) Clone() *AcquisitionRecord {
	cp := *a
	cp.Data = make([][]complex128, len(a.Data))
	for i, ch := range a.Data {
		cp.Data[i] = append([]complex128(nil), ch...)
	}
	if a.Traj != nil {
		cp.Traj = make([][]float64, len(a.Traj))
		for i, ax := range a.Traj {
			cp.Traj[i] = append([]float64(nil), ax...)
		}
	}
	return &cp
}

// Image is a reconstructed (or passed-through) image array with the metadata
// the emission sink needs for tagging.
type Image struct {
	Data        [][]float64 // rows × cols, magnitude
	Slice       int
	Contrast    int
	Repetition  int
	Index       int
	SeriesIndex int
	// UserInts/UserFloats carry sequence-specific annotations such as
	// b-values and diffusion directions.
	UserInts   []int
	UserFloats []float64
}

// Waveform is an auxiliary physio recording (ECG, pulse, ...) that passes
// through the pipeline and is time-sorted at stream end.
type Waveform struct {
	ID        int
	Timestamp uint64
	Data      [][]float64 // channels × timepoints
}
