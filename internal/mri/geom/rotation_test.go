package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
)

func identityPose() mri.Pose {
	return mri.Pose{
		ReadDir:  [3]float64{1, 0, 0},
		PhaseDir: [3]float64{0, 1, 0},
		SliceDir: [3]float64{0, 0, 1},
	}
}

// transversePose rotates the in-plane axes by 30 degrees about the slice axis.
func transversePose() mri.Pose {
	c, s := math.Cos(math.Pi/6), math.Sin(math.Pi/6)
	return mri.Pose{
		ReadDir:  [3]float64{c, s, 0},
		PhaseDir: [3]float64{-s, c, 0},
		SliceDir: [3]float64{0, 0, 1},
	}
}

func TestRotationFromPose_Identity(t *testing.T) {
	t.Parallel()

	rot := RotationFromPose(identityPose())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.Equal(t, want, rot.At(i, j))
		}
	}
}

func TestRotate_RoundTrip(t *testing.T) {
	t.Parallel()

	rot := RotationFromPose(transversePose())
	axes := [][]float64{
		{1, 2, 3, 4},
		{0, -1, 0.5, 2},
		{0.25, 0, -3, 1},
	}

	dev := LogicalToDevice(rot, axes)
	back := DeviceToLogical(rot, dev)
	for ax := range axes {
		for i := range axes[ax] {
			assert.InDelta(t, axes[ax][i], back[ax][i], 1e-9)
		}
	}
}

func TestRotate_MixesAxes(t *testing.T) {
	t.Parallel()

	rot := RotationFromPose(transversePose())
	axes := [][]float64{{1}, {0}, {0}}
	dev := LogicalToDevice(rot, axes)

	// read direction lands on the pose's read vector
	assert.InDelta(t, math.Cos(math.Pi/6), dev[0][0], 1e-6)
	assert.InDelta(t, math.Sin(math.Pi/6), dev[1][0], 1e-6)
	assert.InDelta(t, 0, dev[2][0], 1e-9)
}

func TestPatientToLogicalShift(t *testing.T) {
	t.Parallel()

	t.Run("identity rotation", func(t *testing.T) {
		t.Parallel()
		rot := RotationFromPose(identityPose())
		shift := PatientToLogicalShift(rot, [3]float64{10, -4, 6}, [3]float64{2, 2, 1})
		assert.InDelta(t, 5, shift[0], 1e-9)
		assert.InDelta(t, -2, shift[1], 1e-9)
		assert.InDelta(t, 6, shift[2], 1e-9)
	})

	t.Run("zero resolution axis yields zero shift", func(t *testing.T) {
		t.Parallel()
		rot := RotationFromPose(identityPose())
		shift := PatientToLogicalShift(rot, [3]float64{10, 10, 10}, [3]float64{1, 1, 0})
		assert.Equal(t, 0.0, shift[2])
	})

	t.Run("rotated position projects onto logical axes", func(t *testing.T) {
		t.Parallel()
		rot := RotationFromPose(transversePose())
		pos := [3]float64{math.Cos(math.Pi / 6), math.Sin(math.Pi / 6), 0} // along read dir
		shift := PatientToLogicalShift(rot, pos, [3]float64{1, 1, 1})
		require.InDelta(t, 1, shift[0], 1e-6)
		assert.InDelta(t, 0, shift[1], 1e-6)
	})
}
