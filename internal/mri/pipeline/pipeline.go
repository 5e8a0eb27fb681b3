// Package pipeline runs the stream consumer loop: items in, routed groups
// sorted and reconstructed, images out. One pipeline consumes one ordered
// stream; the producer runs on the other side of the channel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mrphysics-bonn/kspace-stream/internal/metrics"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/protocol"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/recon"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/router"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/sorter"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/storage/sqlite"
)

// ItemKind discriminates stream items.
type ItemKind int

const (
	// ItemAcquisition carries one acquisition record.
	ItemAcquisition ItemKind = iota
	// ItemImage carries an image that passes through to the sink untouched.
	ItemImage
	// ItemWaveform carries a physio waveform, buffered and time-sorted at
	// stream end.
	ItemWaveform
)

// Item is one element of the input stream. Exactly one payload field is set,
// matching Kind.
type Item struct {
	Kind     ItemKind
	Acq      *mri.AcquisitionRecord
	Image    *mri.Image
	Waveform *mri.Waveform
}

// Sink receives the pipeline's output.
type Sink interface {
	EmitImage(*mri.Image) error
	EmitWaveform(*mri.Waveform) error
}

// Plotter renders optional per-group trajectory debug plots.
type Plotter interface {
	PlotGroup(*router.CompletedGroup) error
}

// Pipeline wires the router, sorter and collaborator together. Construct with
// New; zero value is not usable.
type Pipeline struct {
	snap   *protocol.Snapshot
	rtr    *router.Router
	recon  recon.Reconstructor
	calib  recon.Calibrator
	sink   Sink
	policy router.TrailingPolicy

	// optional collaborators
	store   *sqlite.SessionStore
	plotter Plotter

	sessionID    string
	fallbackSens bool

	waveforms []*mri.Waveform
	// sensSeen is the sensitivity-cache size at the last gap fill; the fill
	// reruns whenever calibration has grown the cache since.
	sensSeen  int
	groupErrs int
}

// Options carries the optional pieces of a pipeline.
type Options struct {
	Store               *sqlite.SessionStore
	Plotter             Plotter
	SessionID           string
	TrailingPolicy      router.TrailingPolicy
	FallbackSensitivity bool
}

// New builds a pipeline. rec may be nil, in which case completed groups are
// sorted but not reconstructed (dry runs, tests). calib is used for the
// fallback sensitivity path only; the router holds its own reference for
// calibration groups.
func New(snap *protocol.Snapshot, rtr *router.Router, rec recon.Reconstructor, calib recon.Calibrator, sink Sink, opts Options) *Pipeline {
	policy := opts.TrailingPolicy
	if !policy.Valid() {
		policy = router.TrailingWarn
	}
	return &Pipeline{
		snap:         snap,
		rtr:          rtr,
		recon:        rec,
		calib:        calib,
		sink:         sink,
		policy:       policy,
		store:        opts.Store,
		plotter:      opts.Plotter,
		sessionID:    opts.SessionID,
		fallbackSens: opts.FallbackSensitivity,
	}
}

// Run consumes the stream until the channel closes or ctx is cancelled. It
// returns an error on fatal stream conditions; per-group collaborator failures
// are surfaced in the returned error only after the rest of the stream has
// been processed.
func (p *Pipeline) Run(ctx context.Context, items <-chan Item) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-items:
			if !ok {
				return p.finish(ctx)
			}
			if err := p.consume(ctx, item); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) consume(ctx context.Context, item Item) error {
	switch item.Kind {
	case ItemImage:
		if item.Image == nil {
			return nil
		}
		return p.sink.EmitImage(item.Image)
	case ItemWaveform:
		if item.Waveform != nil {
			p.waveforms = append(p.waveforms, item.Waveform)
		}
		return nil
	case ItemAcquisition:
		if item.Acq == nil {
			return nil
		}
		return p.consumeAcquisition(ctx, item.Acq)
	}
	return fmt.Errorf("unknown stream item kind %d", item.Kind)
}

func (p *Pipeline) consumeAcquisition(ctx context.Context, rec *mri.AcquisitionRecord) error {
	metrics.CountRecord(rec.Role().String())

	group, err := p.rtr.Route(ctx, rec)
	if err != nil {
		if errors.Is(err, mri.ErrSequencing) {
			// the router already dropped the offending readout
			metrics.CountDroppedReadout()
			opsf("readout dropped: %v", err)
			err = nil
		} else {
			return err
		}
	}
	if group == nil {
		return nil
	}
	return p.process(ctx, group)
}

// finish drains trailing groups per policy and flushes buffered waveforms.
func (p *Pipeline) finish(ctx context.Context) error {
	for _, g := range p.rtr.Flush(p.policy) {
		if err := p.process(ctx, g); err != nil {
			return err
		}
	}

	sort.Slice(p.waveforms, func(i, j int) bool {
		return p.waveforms[i].Timestamp < p.waveforms[j].Timestamp
	})
	for _, w := range p.waveforms {
		if err := p.sink.EmitWaveform(w); err != nil {
			return err
		}
	}
	p.waveforms = nil

	st := p.rtr.Stats()
	diagf("stream done: %d noise, %d calibration, %d imaging records; %d groups emitted, %d readouts dropped",
		st.Noise, st.Calibration, st.Imaging, st.GroupsEmitted, st.ReadoutsDropped)

	if p.groupErrs > 0 {
		return fmt.Errorf("%w: %d group(s) failed reconstruction", mri.ErrCollaborator, p.groupErrs)
	}
	return nil
}

// process sorts and reconstructs one completed group. Collaborator failures
// are fatal for the group, not for the stream.
func (p *Pipeline) process(ctx context.Context, g *router.CompletedGroup) error {
	start := time.Now()
	outcome := metrics.OutcomeOK

	err := p.processGroup(ctx, g)
	if err != nil {
		outcome = metrics.OutcomeError
		if errors.Is(err, mri.ErrCollaborator) || errors.Is(err, mri.ErrIncompleteGroup) {
			opsf("group %s (slice %d) failed: %v", g.ID, g.Slice, err)
			p.groupErrs++
			err = nil
		}
	}
	dur := time.Since(start)
	metrics.ObserveGroup(dur, outcome)
	p.audit(g, outcome, dur)
	return err
}

func (p *Pipeline) processGroup(ctx context.Context, g *router.CompletedGroup) error {
	if len(g.Records) == 0 {
		return fmt.Errorf("%w: group %s emitted empty", mri.ErrIncompleteGroup, g.ID)
	}
	if maps := p.rtr.SensitivityMaps(); len(maps) != p.sensSeen {
		router.FillSensitivityGaps(maps, p.snap.Slices())
		p.sensSeen = len(maps)
	}
	if g.Sens == nil {
		g.Sens = p.rtr.SensitivityMaps()[g.Slice]
	}
	if g.Contrast > 0 && len(g.NavPhase) > 0 {
		n := g.ApplyNavigatorCorrection()
		diagf("group %s: navigator phase applied to %d of %d readouts", g.ID, n, len(g.Records))
	}
	if p.plotter != nil {
		if err := p.plotter.PlotGroup(g); err != nil {
			diagf("trajectory plot for group %s failed: %v", g.ID, err)
		}
	}

	meta := recon.GroupMeta{
		Slice:      g.Slice,
		Contrast:   g.Contrast,
		Repetition: g.Repetition,
		Matrix:     p.snap.Matrix,
		FOV:        p.snap.FOV,
		DwellTime:  p.snap.DwellTime(),
	}

	srt := p.rtr.Sorter()
	if p.snap.IsCartesian() {
		k, err := srt.SortCartesian(g.Records, false)
		if err != nil {
			return err
		}
		sens, err := p.ensureSensitivity(ctx, g, k, meta)
		if err != nil {
			return err
		}
		if p.recon == nil {
			diagf("group %s sorted (cartesian, %d readouts), no reconstructor configured", g.ID, len(g.Records))
			return nil
		}
		images, err := p.recon.ReconstructCartesian(ctx, k, sens, meta)
		if err != nil {
			return err
		}
		return p.emitImages(images)
	}

	nu, err := srt.SortNonUniform(g.Records)
	if err != nil {
		return err
	}
	if p.recon == nil {
		diagf("group %s sorted (%d acquisitions x %d cols), no reconstructor configured", g.ID, nu.Acqs, nu.Cols)
		return nil
	}
	if g.Sens == nil && p.fallbackSens && p.calib != nil {
		diagf("group %s: no calibration map for slice %d, deriving from imaging data", g.ID, g.Slice)
		m, err := p.calib.CalibrateNonUniform(ctx, nu, meta)
		if err != nil {
			return err
		}
		p.rtr.SensitivityMaps()[g.Slice] = m
		g.Sens = m
	}
	if g.Sens == nil {
		diagf("group %s reconstructing without sensitivity maps", g.ID)
	}
	images, err := p.recon.ReconstructNonUniform(ctx, nu, g.Sens, meta)
	if err != nil {
		return err
	}
	return p.emitImages(images)
}

// ensureSensitivity returns the group's map, deriving one from the imaging
// k-space itself when calibration never produced one and the fallback is
// enabled. The derived map is cached for the slice.
func (p *Pipeline) ensureSensitivity(ctx context.Context, g *router.CompletedGroup, k *sorter.Cartesian, meta recon.GroupMeta) (*recon.SensitivityMap, error) {
	if g.Sens != nil || !p.fallbackSens || p.calib == nil {
		return g.Sens, nil
	}
	diagf("group %s: no calibration map for slice %d, deriving from imaging data", g.ID, g.Slice)
	m, err := p.calib.Calibrate(ctx, k, meta)
	if err != nil {
		return nil, err
	}
	p.rtr.SensitivityMaps()[g.Slice] = m
	g.Sens = m
	return m, nil
}

func (p *Pipeline) emitImages(images []*mri.Image) error {
	for _, img := range images {
		if err := p.sink.EmitImage(img); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) audit(g *router.CompletedGroup, outcome string, dur time.Duration) {
	if p.store == nil {
		return
	}
	err := p.store.InsertEmission(&sqlite.GroupEmission{
		GroupID:     g.ID.String(),
		SessionID:   p.sessionID,
		Slice:       g.Slice,
		Contrast:    g.Contrast,
		Repetition:  g.Repetition,
		RecordCount: len(g.Records),
		Outcome:     outcome,
		DurationMS:  dur.Milliseconds(),
	})
	if err != nil {
		opsf("audit insert for group %s failed: %v", g.ID, err)
	}
}
