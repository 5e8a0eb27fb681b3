package segments

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
)

func segRecord(seg, channels, samples int) *mri.AcquisitionRecord {
	rec := &mri.AcquisitionRecord{
		Index: mri.EncodingIndex{Segment: seg},
		Data:  make([][]complex128, channels),
	}
	for c := range rec.Data {
		row := make([]complex128, samples)
		for s := range row {
			row[s] = complex(float64(seg*1000+c*100+s), 0)
		}
		rec.Data[c] = row
	}
	return rec
}

func flatState(full int) *TrajectoryState {
	pred := make([][]float64, 3)
	base := make([][]float64, 3)
	for ax := range pred {
		pred[ax] = make([]float64, full)
		base[ax] = make([]float64, full)
		for i := 0; i < full; i++ {
			pred[ax][i] = float64(i)
			base[ax][i] = float64(i)
		}
	}
	return &TrajectoryState{
		Pred:   pred,
		Base:   base,
		K0:     make([]float64, full),
		Matrix: [3]int{64, 64, 1},
	}
}

func TestBegin_RejectsNonZeroSegment(t *testing.T) {
	t.Parallel()

	_, err := Begin(segRecord(1, 2, 4), 2, nil, 0, 1e-5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mri.ErrSequencing))
}

func TestBegin_ExtendsStorageAndAttachesTrajectory(t *testing.T) {
	t.Parallel()

	ip, err := Begin(segRecord(0, 2, 4), 3, flatState(12), 1e-3, 1e-5)
	require.NoError(t, err)

	rec := ip.Record()
	assert.Equal(t, 12, rec.Samples())
	require.Len(t, rec.Traj, mri.TrajAxes)
	assert.Len(t, rec.Traj[mri.TrajKx], 12)
	assert.InDelta(t, 1e-3, rec.Traj[mri.TrajTime][0], 1e-12)
	assert.InDelta(t, 1e-3+11e-5, rec.Traj[mri.TrajTime][11], 1e-12)
}

func TestBegin_SampleCountLimit(t *testing.T) {
	t.Parallel()

	_, err := Begin(segRecord(0, 1, 40000), 2, nil, 0, 1e-5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mri.ErrProtocolMismatch))
}

func TestAdd_FillsSegmentOffsets(t *testing.T) {
	t.Parallel()

	ip, err := Begin(segRecord(0, 2, 4), 3, nil, 0, 1e-5)
	require.NoError(t, err)
	require.False(t, ip.Complete())

	require.NoError(t, ip.Add(segRecord(1, 2, 4)))
	require.NoError(t, ip.Add(segRecord(2, 2, 4)))
	require.True(t, ip.Complete())

	rec, err := ip.Finalize()
	require.NoError(t, err)
	// segment 1's first sample landed at offset 4
	assert.Equal(t, complex(1000, 0), rec.Data[0][4])
	assert.Equal(t, complex(2103, 0), rec.Data[1][11])
}

func TestAdd_SequencingViolations(t *testing.T) {
	t.Parallel()

	t.Run("gap in segment order", func(t *testing.T) {
		t.Parallel()
		ip, err := Begin(segRecord(0, 1, 4), 4, nil, 0, 1e-5)
		require.NoError(t, err)
		err = ip.Add(segRecord(2, 1, 4))
		require.Error(t, err)
		assert.True(t, errors.Is(err, mri.ErrSequencing))
	})

	t.Run("segment beyond declared count", func(t *testing.T) {
		t.Parallel()
		ip, err := Begin(segRecord(0, 1, 4), 2, nil, 0, 1e-5)
		require.NoError(t, err)
		require.NoError(t, ip.Add(segRecord(1, 1, 4)))
		err = ip.Add(segRecord(2, 1, 4))
		assert.Error(t, err)
	})

	t.Run("channel mismatch", func(t *testing.T) {
		t.Parallel()
		ip, err := Begin(segRecord(0, 2, 4), 2, nil, 0, 1e-5)
		require.NoError(t, err)
		err = ip.Add(segRecord(1, 1, 4))
		require.Error(t, err)
		assert.True(t, errors.Is(err, mri.ErrSequencing))
	})

	t.Run("sample mismatch", func(t *testing.T) {
		t.Parallel()
		ip, err := Begin(segRecord(0, 2, 4), 2, nil, 0, 1e-5)
		require.NoError(t, err)
		err = ip.Add(segRecord(1, 2, 8))
		assert.Error(t, err)
	})
}

func TestFinalize_Incomplete(t *testing.T) {
	t.Parallel()

	ip, err := Begin(segRecord(0, 1, 4), 2, nil, 0, 1e-5)
	require.NoError(t, err)
	_, err = ip.Finalize()
	require.Error(t, err)
	assert.True(t, errors.Is(err, mri.ErrSequencing))
}

func TestReapply_PredEqualsBaseIsNoOp(t *testing.T) {
	t.Parallel()

	state := flatState(8)
	state.Shift = [3]float64{3, -2, 0}
	data := [][]complex128{{1, 2i, 3, 4, 5, 6i, 7, 8}}
	orig := append([]complex128(nil), data[0]...)

	require.NoError(t, Reapply(data, state.Pred, state.Base, state.Shift, state.Matrix))
	for i := range orig {
		assert.InDelta(t, real(orig[i]), real(data[0][i]), 1e-12)
		assert.InDelta(t, imag(orig[i]), imag(data[0][i]), 1e-12)
	}
}

func TestReapply_Deterministic(t *testing.T) {
	t.Parallel()

	pred := [][]float64{{0, 1, 2, 3}, {0, 0, 0, 0}, {0, 0, 0, 0}}
	base := [][]float64{{0, 0.5, 1, 1.5}, {0, 0, 0, 0}, {0, 0, 0, 0}}
	shift := [3]float64{2, 0, 0}
	matrix := [3]int{64, 64, 1}

	a := [][]complex128{{1, 1, 1, 1}}
	b := [][]complex128{{1, 1, 1, 1}}
	require.NoError(t, Reapply(a, pred, base, shift, matrix))
	require.NoError(t, Reapply(b, pred, base, shift, matrix))
	assert.Equal(t, a, b)

	// the correction rotated the later samples
	assert.NotEqual(t, complex(1, 0), a[0][3])
}

func TestReapply_SmallShiftSkipped(t *testing.T) {
	t.Parallel()

	pred := [][]float64{{0, 10}, {0, 0}, {0, 0}}
	base := [][]float64{{0, 0}, {0, 0}, {0, 0}}
	data := [][]complex128{{1, 1}}
	require.NoError(t, Reapply(data, pred, base, [3]float64{0.005, 0, 0}, [3]int{64, 64, 1}))
	assert.Equal(t, complex(1, 0), data[0][1])
}

func TestReapply_MissingBase(t *testing.T) {
	t.Parallel()

	err := Reapply([][]complex128{{1}}, [][]float64{{0}}, nil, [3]float64{1, 0, 0}, [3]int{64, 64, 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, mri.ErrSequencing))
}
