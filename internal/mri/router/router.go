// Package router holds the stream state machine: it classifies each arriving
// acquisition record, drives noise-model construction and segment reassembly,
// accumulates per-slice/contrast buffers and decides when a group is complete
// and must be emitted.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"github.com/google/uuid"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/geom"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/girf"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/protocol"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/recon"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/segments"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/sorter"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/whiten"
	"github.com/mrphysics-bonn/kspace-stream/internal/monitoring"
)

// TrailingPolicy decides what happens to non-empty, unflagged groups left over
// when the stream ends.
type TrailingPolicy string

const (
	// TrailingDrop discards trailing groups silently.
	TrailingDrop TrailingPolicy = "drop"
	// TrailingProcess emits trailing groups through the normal completion path.
	TrailingProcess TrailingPolicy = "process"
	// TrailingWarn logs "unflagged trailing data" and drops. The default.
	TrailingWarn TrailingPolicy = "warn"
)

// Valid reports whether p is one of the known policies.
func (p TrailingPolicy) Valid() bool {
	switch p {
	case TrailingDrop, TrailingProcess, TrailingWarn:
		return true
	}
	return false
}

// CompletedGroup is an emitted collection of reassembled imaging readouts
// sharing (slice, contrast, repetition). Once returned from Route or Flush the
// router retains no reference to it.
type CompletedGroup struct {
	ID         uuid.UUID
	Slice      int
	Contrast   int
	Repetition int
	Records    []*mri.AcquisitionRecord
	// Sens is the slice's cached sensitivity map, nil when calibration for the
	// slice never completed (the fallback estimation path applies then).
	Sens *recon.SensitivityMap
	// NavPhase holds one unwrapped phase ramp per consumed navigator readout,
	// reference-subtracted per ADC segment. Nil unless navigators were buffered
	// for this group.
	NavPhase [][]float64
}

// ApplyNavigatorCorrection multiplies each readout by exp(−i·phase) of its
// matching navigator ramp, cancelling the phase drift the navigators measured.
// Readouts without a matching ramp (count or length mismatch) are left alone;
// the number of corrected readouts is returned.
func (g *CompletedGroup) ApplyNavigatorCorrection() int {
	applied := 0
	for i, rec := range g.Records {
		if i >= len(g.NavPhase) {
			break
		}
		phs := g.NavPhase[i]
		if len(phs) != rec.Samples() {
			continue
		}
		for c := range rec.Data {
			for s := range rec.Data[c] {
				rec.Data[c][s] *= cmplx.Exp(complex(0, -phs[s]))
			}
		}
		applied++
	}
	return applied
}

// Config selects the router's optional behaviours.
type Config struct {
	// ConsumeNavigators buffers phase-navigator records instead of discarding
	// them; the reduced phase ramps ride along on the emitted group.
	ConsumeNavigators bool
	// WhitenScale adjusts the noise model for bandwidth differences between
	// the noise and imaging acquisitions. Zero means 1.
	WhitenScale float64
}

// Stats counts the router's routing decisions since construction.
type Stats struct {
	Noise           int
	Calibration     int
	Imaging         int
	Navigators      int
	Dummies         int
	ReadoutsDropped int
	GroupsEmitted   int
}

type groupKey struct {
	slice      int
	contrast   int
	repetition int
}

type groupBuffer struct {
	records []*mri.AcquisitionRecord
	// open is the logical readout currently assembling from segments, nil when
	// the last appended readout is complete.
	open *segments.InProgress
}

// Router is the single-consumer stream state machine. Not safe for concurrent
// use; the pipeline owns it.
type Router struct {
	snap      *protocol.Snapshot
	predictor *girf.Predictor
	calib     recon.Calibrator
	cfg       Config

	srt   *sorter.Sorter
	model *whiten.Model

	noiseBuf []*mri.AcquisitionRecord
	calBuf   map[int][]*mri.AcquisitionRecord
	groups   map[groupKey]*groupBuffer
	sens     map[int]*recon.SensitivityMap
	navBuf   map[groupKey][]*mri.AcquisitionRecord

	stats Stats
}

// New constructs a router for one measurement. predictor may be nil for
// Cartesian streams and calib may be nil when no calibration transform is
// available (calibration groups are then discarded with a note).
func New(snap *protocol.Snapshot, predictor *girf.Predictor, calib recon.Calibrator, cfg Config) *Router {
	if cfg.WhitenScale == 0 {
		cfg.WhitenScale = 1
	}
	return &Router{
		snap:      snap,
		predictor: predictor,
		calib:     calib,
		cfg:       cfg,
		srt:       sorter.New(snap, nil),
		calBuf:    make(map[int][]*mri.AcquisitionRecord),
		groups:    make(map[groupKey]*groupBuffer),
		sens:      make(map[int]*recon.SensitivityMap),
		navBuf:    make(map[groupKey][]*mri.AcquisitionRecord),
	}
}

// Sorter returns the sorter bound to the stream's noise model. The pipeline
// uses it to sort emitted groups; the model is attached the moment it is
// built, so groups emitted afterwards are whitened.
func (r *Router) Sorter() *sorter.Sorter { return r.srt }

// Model returns the noise model, nil until enough noise records have arrived.
func (r *Router) Model() *whiten.Model { return r.model }

// Stats returns a copy of the routing counters.
func (r *Router) Stats() Stats { return r.stats }

// SensitivityMaps returns the per-slice map cache. FillSensitivityGaps may be
// applied before imaging reconstruction starts.
func (r *Router) SensitivityMaps() map[int]*recon.SensitivityMap { return r.sens }

// Route consumes one record and returns a completed group when the record
// closes one. A SequencingError return means the offending logical readout was
// dropped; the stream remains consistent and the caller should continue.
// Any other error is fatal for the stream.
func (r *Router) Route(ctx context.Context, rec *mri.AcquisitionRecord) (*CompletedGroup, error) {
	if rec.Channels() != r.snap.Channels {
		return nil, fmt.Errorf("%w: record has %d channels, header says %d", mri.ErrProtocolMismatch, rec.Channels(), r.snap.Channels)
	}

	role := rec.Role()
	if role == mri.RoleNoise {
		r.stats.Noise++
		// only the first contiguous run of noise records feeds the model
		if r.model == nil {
			r.noiseBuf = append(r.noiseBuf, rec)
		}
		return nil, nil
	}

	// First non-noise record after a run of noise records: build the model
	// once and release the buffer.
	if r.model == nil && len(r.noiseBuf) > 0 {
		m, err := whiten.Build(r.noiseBuf, r.cfg.WhitenScale)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", mri.ErrProtocolMismatch, err)
		}
		r.model = m
		r.srt.Model = m
		r.noiseBuf = nil
	}

	switch role {
	case mri.RoleDummy:
		r.stats.Dummies++
		return nil, nil
	case mri.RoleNavigator:
		r.stats.Navigators++
		if r.cfg.ConsumeNavigators {
			key := groupKey{rec.Index.Slice, rec.Index.Contrast, rec.Index.Repetition}
			r.navBuf[key] = append(r.navBuf[key], rec)
		}
		return nil, nil
	case mri.RoleCalibration:
		r.stats.Calibration++
		return nil, r.routeCalibration(ctx, rec)
	}

	r.stats.Imaging++
	return r.routeImaging(rec)
}

func (r *Router) routeCalibration(ctx context.Context, rec *mri.AcquisitionRecord) error {
	slc := rec.Index.Slice
	r.calBuf[slc] = append(r.calBuf[slc], rec)
	if !rec.CompletesSlice() {
		return nil
	}

	buf := r.calBuf[slc]
	delete(r.calBuf, slc)

	if r.calib == nil {
		monitoring.Logf("[router] no calibration transform configured, discarding %d reference records for slice %d", len(buf), slc)
		return nil
	}

	ref, err := r.srt.SortCartesian(buf, true)
	if err != nil {
		return err
	}
	m, err := r.calib.Calibrate(ctx, ref, recon.GroupMeta{
		Slice:     slc,
		Matrix:    r.snap.Matrix,
		FOV:       r.snap.FOV,
		DwellTime: r.snap.DwellTime(),
	})
	if err != nil {
		return err
	}
	r.sens[slc] = m
	monitoring.Logf("[router] sensitivity map cached for slice %d (%d reference records)", slc, len(buf))
	return nil
}

func (r *Router) routeImaging(rec *mri.AcquisitionRecord) (*CompletedGroup, error) {
	key := groupKey{rec.Index.Slice, rec.Index.Contrast, rec.Index.Repetition}
	g := r.groups[key]
	if g == nil {
		g = &groupBuffer{}
		r.groups[key] = g
	}

	if err := r.addReadout(g, rec); err != nil {
		if errors.Is(err, mri.ErrSequencing) {
			// the offending logical readout is dropped, the group continues
			r.stats.ReadoutsDropped++
			g.open = nil
			monitoring.Logf("[router] dropped readout at slice %d contrast %d: %v", key.slice, key.contrast, err)
			if !rec.CompletesSlice() {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	if !rec.CompletesSlice() {
		return nil, nil
	}
	return r.emit(key, g), nil
}

// addReadout feeds one imaging record into the group's segment assembly.
func (r *Router) addReadout(g *groupBuffer, rec *mri.AcquisitionRecord) error {
	nSeg := r.snap.Segments()

	if rec.Index.Segment == 0 {
		if g.open != nil {
			r.stats.ReadoutsDropped++
			monitoring.Logf("[router] readout superseded before its final segment arrived, dropping it")
			g.open = nil
		}
		state, err := r.trajectoryState(rec, nSeg)
		if err != nil {
			return err
		}
		ip, err := segments.Begin(rec, nSeg, state, r.snap.TimeOffset, r.snap.DwellTime())
		if err != nil {
			return err
		}
		if ip.Complete() {
			done, err := ip.Finalize()
			if err != nil {
				return err
			}
			g.records = append(g.records, done)
			return nil
		}
		g.open = ip
		return nil
	}

	if g.open == nil {
		return fmt.Errorf("%w: segment %d with no readout in progress", mri.ErrSequencing, rec.Index.Segment)
	}
	if err := g.open.Add(rec); err != nil {
		return err
	}
	if g.open.Complete() {
		done, err := g.open.Finalize()
		g.open = nil
		if err != nil {
			return err
		}
		g.records = append(g.records, done)
	}
	return nil
}

// trajectoryState computes the predicted/base trajectory pair for a new
// logical readout. Cartesian readouts need none. A record that already carries
// a full-length trajectory spanning more than the unit cell uses it directly;
// otherwise the nominal gradient for the record's step-1 index is pushed
// through the impulse-response prediction.
func (r *Router) trajectoryState(rec *mri.AcquisitionRecord, nSeg int) (*segments.TrajectoryState, error) {
	if r.snap.IsCartesian() {
		return nil, nil
	}
	full := rec.Samples() * nSeg

	if own := ownTrajectory(rec, full); own != nil {
		return &segments.TrajectoryState{
			Pred:   own,
			Base:   own,
			K0:     make([]float64, full),
			Shift:  [3]float64{},
			Matrix: r.snap.Matrix,
		}, nil
	}

	if r.predictor == nil {
		return nil, fmt.Errorf("%w: %s encoding without trajectory prediction", mri.ErrProtocolMismatch, r.snap.TrajectoryType)
	}
	grad, ok := r.snap.NominalGradient(rec.Index.Step1)
	if !ok {
		return nil, fmt.Errorf("%w: no nominal gradient for kspace step %d", mri.ErrProtocolMismatch, rec.Index.Step1)
	}
	rot := geom.RotationFromPose(rec.Pose)
	pred, err := r.predictor.Predict(girf.Request{
		Gradient:  grad,
		Rotation:  rot,
		DwellTime: r.snap.DwellTime(),
		Samples:   full,
		GridShift: r.snap.GradientDelay,
		FOV:       r.snap.FOV[0],
		MatrixZ:   r.snap.Matrix[2],
		Partition: rec.Index.Step2,
	})
	if err != nil {
		return nil, err
	}
	shift := geom.PatientToLogicalShift(rot, rec.Pose.Position, r.snap.Resolution())
	return segments.FromPrediction(pred, shift, r.snap.Matrix), nil
}

// ownTrajectory returns the record's embedded spatial trajectory when it
// covers the full readout and plausibly spans k-space (scanner-filled
// trajectories that were never populated sit inside the unit cell).
func ownTrajectory(rec *mri.AcquisitionRecord, full int) [][]float64 {
	if len(rec.Traj) < 3 || len(rec.Traj[0]) != full {
		return nil
	}
	max := 0.0
	for ax := 0; ax < 3; ax++ {
		for _, v := range rec.Traj[ax] {
			if a := math.Abs(v); a > max {
				max = a
			}
		}
	}
	if max <= 1 {
		return nil
	}
	own := make([][]float64, 3)
	for ax := 0; ax < 3; ax++ {
		own[ax] = append([]float64(nil), rec.Traj[ax]...)
	}
	return own
}

// emit hands the group off and resets the slot. Buffers are re-created, never
// reused, so the caller owns the returned group outright.
func (r *Router) emit(key groupKey, g *groupBuffer) *CompletedGroup {
	if g.open != nil {
		r.stats.ReadoutsDropped++
		monitoring.Logf("[router] group for slice %d closed with an unfinished readout, dropping it", key.slice)
	}
	delete(r.groups, key)
	r.stats.GroupsEmitted++
	out := &CompletedGroup{
		ID:         uuid.New(),
		Slice:      key.slice,
		Contrast:   key.contrast,
		Repetition: key.repetition,
		Records:    g.records,
		Sens:       r.sens[key.slice],
		NavPhase:   NavigatorPhase(r.navBuf[key], r.snap.Segments()),
	}
	delete(r.navBuf, key)
	monitoring.Debugf("[router] group %s emitted: slice %d contrast %d rep %d, %d readouts, sens=%v",
		out.ID, out.Slice, out.Contrast, out.Repetition, len(out.Records), out.Sens != nil)
	return out
}

// Flush drains the remaining non-empty groups at stream end according to the
// trailing policy. With TrailingProcess the groups are returned for normal
// emission; otherwise nil.
func (r *Router) Flush(policy TrailingPolicy) []*CompletedGroup {
	keys := make([]groupKey, 0, len(r.groups))
	for k, g := range r.groups {
		if len(g.records) == 0 && g.open == nil {
			delete(r.groups, k)
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.slice != b.slice {
			return a.slice < b.slice
		}
		if a.contrast != b.contrast {
			return a.contrast < b.contrast
		}
		return a.repetition < b.repetition
	})

	switch policy {
	case TrailingProcess:
		out := make([]*CompletedGroup, 0, len(keys))
		for _, k := range keys {
			out = append(out, r.emit(k, r.groups[k]))
		}
		return out
	case TrailingDrop:
		for _, k := range keys {
			delete(r.groups, k)
			delete(r.navBuf, k)
		}
		return nil
	default:
		for _, k := range keys {
			g := r.groups[k]
			monitoring.Logf("[router] unflagged trailing data: slice %d contrast %d rep %d with %d readouts dropped at stream end",
				k.slice, k.contrast, k.repetition, len(g.records))
			delete(r.groups, k)
			delete(r.navBuf, k)
		}
		return nil
	}
}

// FillSensitivityGaps duplicates adjacent-slice maps when fewer calibration
// slices than imaging slices were acquired. The parity of the assignment
// alternates with the total slice count; this mirrors interleaved multi-slice
// orderings and is a heuristic, not a verified invariant.
func FillSensitivityGaps(maps map[int]*recon.SensitivityMap, slices int) {
	if len(maps) == 0 || len(maps) >= slices {
		return
	}
	if slices%2 == 0 {
		for i := 0; i < slices-1; i += 2 {
			if maps[i] == nil && maps[i+1] != nil {
				maps[i] = maps[i+1]
			}
		}
	} else {
		for i := 1; i < slices; i += 2 {
			if maps[i] == nil && maps[i-1] != nil {
				maps[i] = maps[i-1]
			}
		}
	}
}

// NavigatorPhase reduces navigator records to one coil-weighted phase ramp
// each. The combined profile is split into nSegments rows, each row is
// referenced to its first sample (profile · conj(profile[0])) and unwrapped,
// so the ramp starts at zero phase in every segment. Returns nil when records
// is empty.
func NavigatorPhase(records []*mri.AcquisitionRecord, nSegments int) [][]float64 {
	if len(records) == 0 {
		return nil
	}
	out := make([][]float64, len(records))
	for i, rec := range records {
		n := rec.Samples()
		prof := make([]complex128, n)
		for s := 0; s < n; s++ {
			var acc complex128
			for c := 0; c < rec.Channels(); c++ {
				v := rec.Data[c][s]
				acc += v * complex(cmplx.Abs(v), 0)
			}
			prof[s] = acc
		}

		per := n
		if nSegments > 1 && n%nSegments == 0 {
			per = n / nSegments
		}
		phase := make([]float64, n)
		for s0 := 0; s0 < n; s0 += per {
			ref := cmplx.Conj(prof[s0])
			row := phase[s0 : s0+per]
			for j := range row {
				row[j] = cmplx.Phase(prof[s0+j] * ref)
			}
			unwrap(row)
		}
		out[i] = phase
	}
	return out
}

// unwrap removes 2π jumps in place.
func unwrap(p []float64) {
	for i := 1; i < len(p); i++ {
		d := p[i] - p[i-1]
		for d > math.Pi {
			p[i] -= 2 * math.Pi
			d = p[i] - p[i-1]
		}
		for d < -math.Pi {
			p[i] += 2 * math.Pi
			d = p[i] - p[i-1]
		}
	}
}
