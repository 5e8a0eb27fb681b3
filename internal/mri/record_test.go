package mri

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRole_Precedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		flags RoleFlags
		want  Role
	}{
		{"no flags is imaging", 0, RoleImaging},
		{"noise", FlagNoise, RoleNoise},
		{"noise wins over calibration", FlagNoise | FlagCalibration, RoleNoise},
		{"navigator wins over dummy", FlagPhaseNavigator | FlagDummy, RoleNavigator},
		{"dummy wins over calibration", FlagDummy | FlagCalibration, RoleDummy},
		{"calibration", FlagCalibration, RoleCalibration},
		{"completion flags stay imaging", FlagLastInSlice | FlagLastInMeasurement, RoleImaging},
		{"calibration with completion flag", FlagCalibration | FlagLastInSlice, RoleCalibration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := &AcquisitionRecord{Flags: tc.flags}
			assert.Equal(t, tc.want, rec.Role())
		})
	}
}

func TestRole_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "noise", RoleNoise.String())
	assert.Equal(t, "imaging", RoleImaging.String())
	assert.Equal(t, "role(99)", Role(99).String())
}

func TestCompletesSlice(t *testing.T) {
	t.Parallel()

	assert.False(t, (&AcquisitionRecord{}).CompletesSlice())
	assert.True(t, (&AcquisitionRecord{Flags: FlagLastInSlice}).CompletesSlice())
	assert.True(t, (&AcquisitionRecord{Flags: FlagLastInRepetition}).CompletesSlice())
	assert.False(t, (&AcquisitionRecord{Flags: FlagLastInMeasurement}).CompletesSlice())
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	rec := &AcquisitionRecord{
		Flags: FlagLastInSlice,
		Data:  [][]complex128{{1, 2}, {3, 4}},
		Traj:  [][]float64{{0.5, 1.5}},
	}
	cp := rec.Clone()
	cp.Data[0][0] = 99
	cp.Traj[0][0] = -1

	assert.Equal(t, complex(1, 0), rec.Data[0][0])
	assert.Equal(t, 0.5, rec.Traj[0][0])
	assert.Equal(t, rec.Flags, cp.Flags)
}

func TestShapeAccessors(t *testing.T) {
	t.Parallel()

	empty := &AcquisitionRecord{}
	assert.Zero(t, empty.Channels())
	assert.Zero(t, empty.Samples())

	rec := &AcquisitionRecord{Data: [][]complex128{{1, 2, 3}, {4, 5, 6}}}
	assert.Equal(t, 2, rec.Channels())
	assert.Equal(t, 3, rec.Samples())
}
