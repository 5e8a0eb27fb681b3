package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/cmplx"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrphysics-bonn/kspace-stream/internal/metrics"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/protocol"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/recon"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/router"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/sorter"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/storage/sqlite"
)

func cartesianSnapshot() *protocol.Snapshot {
	return &protocol.Snapshot{
		TrajectoryType: "cartesian",
		Matrix:         [3]int{4, 4, 1},
		FOV:            [3]float64{220, 220, 5},
		Channels:       2,
		DwellTimeUS:    5,
		Limits:         protocol.Limits{Slice: 0, Step1: 3},
	}
}

type captureSink struct {
	images    []*mri.Image
	waveforms []*mri.Waveform
}

func (s *captureSink) EmitImage(img *mri.Image) error {
	s.images = append(s.images, img)
	return nil
}

func (s *captureSink) EmitWaveform(w *mri.Waveform) error {
	s.waveforms = append(s.waveforms, w)
	return nil
}

type fakeRecon struct {
	cartesianCalls  int
	nonUniformCalls int
	lastKSpace      *sorter.Cartesian
	lastSens        *recon.SensitivityMap
	lastNU          *sorter.NonUniform
	lastNUSens      *recon.SensitivityMap
	sensHistory     []*recon.SensitivityMap
	err             error
}

func (f *fakeRecon) ReconstructCartesian(_ context.Context, k *sorter.Cartesian, sens *recon.SensitivityMap, meta recon.GroupMeta) ([]*mri.Image, error) {
	f.cartesianCalls++
	f.lastKSpace = k
	f.lastSens = sens
	f.sensHistory = append(f.sensHistory, sens)
	if f.err != nil {
		return nil, f.err
	}
	return []*mri.Image{{Slice: meta.Slice, Contrast: meta.Contrast, Repetition: meta.Repetition}}, nil
}

func (f *fakeRecon) ReconstructNonUniform(_ context.Context, k *sorter.NonUniform, sens *recon.SensitivityMap, meta recon.GroupMeta) ([]*mri.Image, error) {
	f.nonUniformCalls++
	f.lastNU = k
	f.lastNUSens = sens
	if f.err != nil {
		return nil, f.err
	}
	return []*mri.Image{{Slice: meta.Slice, Contrast: meta.Contrast, Repetition: meta.Repetition}}, nil
}

type fakeCalib struct {
	cartesianCalls  int
	nonUniformCalls int
}

func (f *fakeCalib) Calibrate(_ context.Context, ref *sorter.Cartesian, _ recon.GroupMeta) (*recon.SensitivityMap, error) {
	f.cartesianCalls++
	return &recon.SensitivityMap{
		Data:     make([]complex128, ref.Channels),
		Channels: ref.Channels,
		X:        1, Y: 1, Z: 1,
	}, nil
}

func (f *fakeCalib) CalibrateNonUniform(_ context.Context, k *sorter.NonUniform, _ recon.GroupMeta) (*recon.SensitivityMap, error) {
	f.nonUniformCalls++
	return &recon.SensitivityMap{
		Data:     make([]complex128, k.Channels),
		Channels: k.Channels,
		X:        1, Y: 1, Z: 1,
	}, nil
}

func noiseItem(channels, samples int) Item {
	rec := &mri.AcquisitionRecord{Flags: mri.FlagNoise, Data: make([][]complex128, channels)}
	for c := range rec.Data {
		row := make([]complex128, samples)
		for s := range row {
			row[s] = complex(float64((c+1)*(s+1)%7), float64((c+2)*(s+3)%5))
		}
		rec.Data[c] = row
	}
	return Item{Kind: ItemAcquisition, Acq: rec}
}

func imagingItem(step1 int, flags mri.RoleFlags) Item {
	rec := &mri.AcquisitionRecord{
		Flags: flags,
		Index: mri.EncodingIndex{Step1: step1},
		Data:  make([][]complex128, 2),
	}
	for c := range rec.Data {
		row := make([]complex128, 8)
		for s := range row {
			row[s] = complex(float64(step1*10+s+1), float64(c+1))
		}
		rec.Data[c] = row
	}
	return Item{Kind: ItemAcquisition, Acq: rec}
}

func runItems(t *testing.T, p *Pipeline, items []Item) error {
	t.Helper()
	ch := make(chan Item, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return p.Run(context.Background(), ch)
}

func TestRun_EndToEndScenario(t *testing.T) {
	t.Parallel()

	snap := cartesianSnapshot()
	rtr := router.New(snap, nil, nil, router.Config{})
	rec := &fakeRecon{}
	sink := &captureSink{}
	p := New(snap, rtr, rec, nil, sink, Options{})

	items := []Item{
		noiseItem(2, 8), noiseItem(2, 8), noiseItem(2, 8), noiseItem(2, 8),
		imagingItem(0, 0), imagingItem(1, 0), imagingItem(2, 0),
		imagingItem(3, mri.FlagLastInSlice),
	}
	require.NoError(t, runItems(t, p, items))

	// exactly one noise model, zero calibration maps, one group of four
	require.NotNil(t, rtr.Model())
	assert.Empty(t, rtr.SensitivityMaps())
	require.Equal(t, 1, rec.cartesianCalls)
	assert.Nil(t, rec.lastSens)

	st := rtr.Stats()
	assert.Equal(t, 4, st.Noise)
	assert.Equal(t, 4, st.Imaging)
	assert.Equal(t, 1, st.GroupsEmitted)

	// the sorted k-space was whitened: values differ from raw placement
	k := rec.lastKSpace
	require.NotNil(t, k)
	raw := imagingItem(0, 0).Acq.Data[0][0]
	assert.NotEqual(t, raw, k.At(0, 0, 0, 0))

	require.Len(t, sink.images, 1)
	assert.Equal(t, 0, sink.images[0].Slice)
}

func TestRun_ImagePassthrough(t *testing.T) {
	t.Parallel()

	snap := cartesianSnapshot()
	rtr := router.New(snap, nil, nil, router.Config{})
	sink := &captureSink{}
	p := New(snap, rtr, nil, nil, sink, Options{})

	img := &mri.Image{Slice: 3, Index: 7}
	require.NoError(t, runItems(t, p, []Item{{Kind: ItemImage, Image: img}}))
	require.Len(t, sink.images, 1)
	assert.Same(t, img, sink.images[0])
}

func TestRun_WaveformsTimeSortedAtEnd(t *testing.T) {
	t.Parallel()

	snap := cartesianSnapshot()
	rtr := router.New(snap, nil, nil, router.Config{})
	sink := &captureSink{}
	p := New(snap, rtr, nil, nil, sink, Options{})

	items := []Item{
		{Kind: ItemWaveform, Waveform: &mri.Waveform{ID: 1, Timestamp: 300}},
		{Kind: ItemWaveform, Waveform: &mri.Waveform{ID: 2, Timestamp: 100}},
		{Kind: ItemWaveform, Waveform: &mri.Waveform{ID: 3, Timestamp: 200}},
	}
	require.NoError(t, runItems(t, p, items))

	require.Len(t, sink.waveforms, 3)
	assert.Equal(t, uint64(100), sink.waveforms[0].Timestamp)
	assert.Equal(t, uint64(200), sink.waveforms[1].Timestamp)
	assert.Equal(t, uint64(300), sink.waveforms[2].Timestamp)
}

func TestRun_TrailingProcessPolicy(t *testing.T) {
	t.Parallel()

	snap := cartesianSnapshot()
	rtr := router.New(snap, nil, nil, router.Config{})
	rec := &fakeRecon{}
	sink := &captureSink{}
	p := New(snap, rtr, rec, nil, sink, Options{TrailingPolicy: router.TrailingProcess})

	// no completion flag anywhere
	items := []Item{imagingItem(0, 0), imagingItem(1, 0)}
	require.NoError(t, runItems(t, p, items))

	assert.Equal(t, 1, rec.cartesianCalls, "trailing group processed")
	assert.Len(t, sink.images, 1)
}

func TestRun_TrailingWarnDropsByDefault(t *testing.T) {
	t.Parallel()

	snap := cartesianSnapshot()
	rtr := router.New(snap, nil, nil, router.Config{})
	rec := &fakeRecon{}
	sink := &captureSink{}
	p := New(snap, rtr, rec, nil, sink, Options{})

	require.NoError(t, runItems(t, p, []Item{imagingItem(0, 0)}))
	assert.Zero(t, rec.cartesianCalls)
	assert.Empty(t, sink.images)
}

func TestRun_CollaboratorFailureIsPerGroup(t *testing.T) {
	t.Parallel()

	snap := cartesianSnapshot()
	rtr := router.New(snap, nil, nil, router.Config{})
	rec := &fakeRecon{err: fmt.Errorf("%w: solver exploded", mri.ErrCollaborator)}
	sink := &captureSink{}
	p := New(snap, rtr, rec, nil, sink, Options{})

	items := []Item{
		imagingItem(0, mri.FlagLastInSlice),
		imagingItem(1, mri.FlagLastInRepetition),
	}
	err := runItems(t, p, items)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mri.ErrCollaborator))

	// both groups were attempted despite the first failure
	assert.Equal(t, 2, rec.cartesianCalls)
	assert.Empty(t, sink.images)
}

func TestRun_SequencingErrorDropsReadoutOnly(t *testing.T) {
	t.Parallel()

	snap := cartesianSnapshot()
	snap.Limits.Segment = 1
	rtr := router.New(snap, nil, nil, router.Config{})
	rec := &fakeRecon{}
	sink := &captureSink{}
	p := New(snap, rtr, rec, nil, sink, Options{})

	orphan := imagingItem(0, 0)
	orphan.Acq.Index.Segment = 1 // no readout in progress

	seg0 := imagingItem(1, 0)
	seg1 := imagingItem(1, mri.FlagLastInSlice)
	seg1.Acq.Index.Segment = 1

	require.NoError(t, runItems(t, p, []Item{orphan, seg0, seg1}))
	assert.Equal(t, 1, rtr.Stats().ReadoutsDropped)
	assert.Equal(t, 1, rec.cartesianCalls)
	require.Len(t, sink.images, 1)
}

func spiralSnapshot() *protocol.Snapshot {
	return &protocol.Snapshot{
		TrajectoryType: "spiral",
		Matrix:         [3]int{4, 4, 1},
		FOV:            [3]float64{220, 220, 5},
		Channels:       2,
		DwellTimeUS:    5,
		Limits:         protocol.Limits{Slice: 0, Step1: 3},
	}
}

// spiralItem attaches a scanner-filled trajectory spanning past the unit cell,
// so routing needs no impulse-response prediction.
func spiralItem(step1 int, flags mri.RoleFlags) Item {
	it := imagingItem(step1, flags)
	traj := make([][]float64, 3)
	for ax := range traj {
		traj[ax] = make([]float64, 8)
		for i := range traj[ax] {
			traj[ax][i] = float64((ax+1)*(i+1)) / 2
		}
	}
	it.Acq.Traj = traj
	return it
}

func TestRun_NonUniformFallbackSensitivity(t *testing.T) {
	t.Parallel()

	snap := spiralSnapshot()
	rtr := router.New(snap, nil, nil, router.Config{})
	rec := &fakeRecon{}
	calib := &fakeCalib{}
	sink := &captureSink{}
	p := New(snap, rtr, rec, calib, sink, Options{FallbackSensitivity: true})

	items := []Item{
		spiralItem(0, 0), spiralItem(1, 0), spiralItem(2, 0),
		spiralItem(3, mri.FlagLastInSlice),
	}
	require.NoError(t, runItems(t, p, items))

	require.Equal(t, 1, calib.nonUniformCalls, "map derived from the imaging data")
	require.Equal(t, 1, rec.nonUniformCalls)
	require.NotNil(t, rec.lastNUSens)
	assert.Same(t, rtr.SensitivityMaps()[0], rec.lastNUSens, "derived map cached for the slice")
	require.Len(t, sink.images, 1)
}

func TestRun_FatalSortFailureAuditedAsError(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()
	sess := &sqlite.Session{ProtocolPath: "p", Trajectory: "cartesian", Channels: 2}
	require.NoError(t, store.BeginSession(sess))

	snap := cartesianSnapshot()
	rtr := router.New(snap, nil, nil, router.Config{})
	rec := &fakeRecon{}
	sink := &captureSink{}
	p := New(snap, rtr, rec, nil, sink, Options{Store: store, SessionID: sess.SessionID})

	// 20 readout columns cannot fit the 8-column frequency axis
	bad := Item{Kind: ItemAcquisition, Acq: &mri.AcquisitionRecord{
		Flags: mri.FlagLastInSlice,
		Data:  [][]complex128{make([]complex128, 20), make([]complex128, 20)},
	}}
	err = runItems(t, p, []Item{bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, mri.ErrProtocolMismatch))

	list, lerr := store.ListEmissions(sess.SessionID)
	require.NoError(t, lerr)
	require.Len(t, list, 1)
	assert.Equal(t, metrics.OutcomeError, list[0].Outcome)
}

func TestRun_GapFillAfterLateCalibration(t *testing.T) {
	t.Parallel()

	snap := cartesianSnapshot()
	snap.Limits.Slice = 1 // two slices
	calib := &fakeCalib{}
	rtr := router.New(snap, nil, calib, router.Config{})
	rec := &fakeRecon{}
	sink := &captureSink{}
	p := New(snap, rtr, rec, nil, sink, Options{})

	calItem := func(step1 int, flags mri.RoleFlags) Item {
		it := imagingItem(step1, flags|mri.FlagCalibration)
		it.Acq.Index.Slice = 1
		return it
	}

	items := []Item{
		imagingItem(0, mri.FlagLastInSlice), // slice 0 before any calibration
		calItem(0, 0), calItem(1, mri.FlagLastInSlice),
		imagingItem(1, mri.FlagLastInSlice), // slice 0 again
	}
	require.NoError(t, runItems(t, p, items))

	require.Equal(t, 1, calib.cartesianCalls)
	require.Len(t, rec.sensHistory, 2)
	assert.Nil(t, rec.sensHistory[0], "no map existed for the first group")
	require.NotNil(t, rec.sensHistory[1], "slice 0 borrowed the late slice-1 map")
	assert.Same(t, rtr.SensitivityMaps()[1], rec.sensHistory[1])
}

func TestRun_NavigatorPhaseAppliedToLaterContrasts(t *testing.T) {
	t.Parallel()

	snap := cartesianSnapshot()
	snap.Limits.Contrast = 1
	rtr := router.New(snap, nil, nil, router.Config{ConsumeNavigators: true})
	rec := &fakeRecon{}
	sink := &captureSink{}
	p := New(snap, rtr, rec, nil, sink, Options{})

	nav := imagingItem(0, mri.FlagPhaseNavigator)
	nav.Acq.Index.Contrast = 1
	for c := range nav.Acq.Data {
		for s := range nav.Acq.Data[c] {
			nav.Acq.Data[c][s] = cmplx.Exp(complex(0, 0.4*float64(s)))
		}
	}
	img := imagingItem(0, mri.FlagLastInSlice)
	img.Acq.Index.Contrast = 1
	raw := img.Acq.Data[0][1]

	require.NoError(t, runItems(t, p, []Item{nav, img}))
	require.Equal(t, 1, rec.cartesianCalls)

	got := rec.lastKSpace.At(0, 1, 0, 0)
	want := raw * cmplx.Exp(complex(0, -0.4))
	assert.InDelta(t, real(want), real(got), 1e-9)
	assert.InDelta(t, imag(want), imag(got), 1e-9)
	assert.NotEqual(t, raw, got)
}

func TestStream_GobRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	in := make(chan Item, 3)
	in <- imagingItem(2, mri.FlagLastInSlice)
	in <- Item{Kind: ItemWaveform, Waveform: &mri.Waveform{ID: 5, Timestamp: 42, Data: [][]float64{{1, 2}}}}
	in <- Item{Kind: ItemImage, Image: &mri.Image{Slice: 1}}
	close(in)
	require.NoError(t, WriteStream(&buf, in))

	out := ReadStream(context.Background(), &buf)
	var items []Item
	for it := range out {
		items = append(items, it)
	}
	require.Len(t, items, 3)
	assert.Equal(t, ItemAcquisition, items[0].Kind)
	assert.Equal(t, 2, items[0].Acq.Index.Step1)
	assert.Equal(t, 1, items[2].Image.Slice)

	want := &mri.Waveform{ID: 5, Timestamp: 42, Data: [][]float64{{1, 2}}}
	if diff := cmp.Diff(want, items[1].Waveform); diff != "" {
		t.Errorf("Waveform mismatch (-want +got):\n%s", diff)
	}
}
