// Package recon defines the reconstruction collaborator boundary: sorted
// k-space goes out, sensitivity maps and images come back. The heavy solvers
// live in an external binary; this package only moves data across the fence.
package recon

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/sorter"
	"github.com/mrphysics-bonn/kspace-stream/internal/monitoring"
)

// SensitivityMap holds per-channel coil sensitivities for one slice,
// channels × x × y × z.
type SensitivityMap struct {
	Data     []complex128
	Channels int
	X, Y, Z  int
}

// At reads one map value.
func (s *SensitivityMap) At(c, x, y, z int) complex128 {
	return s.Data[((c*s.X+x)*s.Y+y)*s.Z+z]
}

// GroupMeta tags a reconstruction call with the encoding position and geometry
// of the group it came from.
type GroupMeta struct {
	Slice      int
	Contrast   int
	Repetition int
	Matrix     [3]int
	FOV        [3]float64
	DwellTime  float64
}

// Calibrator derives coil sensitivity maps, either from a zero-filled
// reference grid or from the imaging data itself when no reference scan was
// acquired.
type Calibrator interface {
	Calibrate(ctx context.Context, ref *sorter.Cartesian, meta GroupMeta) (*SensitivityMap, error)
	CalibrateNonUniform(ctx context.Context, k *sorter.NonUniform, meta GroupMeta) (*SensitivityMap, error)
}

// Reconstructor turns sorted k-space plus sensitivities into images.
type Reconstructor interface {
	ReconstructCartesian(ctx context.Context, k *sorter.Cartesian, sens *SensitivityMap, meta GroupMeta) ([]*mri.Image, error)
	ReconstructNonUniform(ctx context.Context, k *sorter.NonUniform, sens *SensitivityMap, meta GroupMeta) ([]*mri.Image, error)
}

// Exec invokes a collaborator binary for each call. Requests and responses are
// gob files in a scratch directory; the binary is run as
//
//	<binary> <verb> <request-file> <response-file>
//
// and any failure surfaces as ErrCollaborator so the pipeline can decide
// whether the stream is still worth continuing.
type Exec struct {
	Binary  string
	WorkDir string
	// Timeout bounds one collaborator call; zero means no bound beyond ctx.
	Timeout time.Duration
}

var _ Calibrator = (*Exec)(nil)
var _ Reconstructor = (*Exec)(nil)

// NewExec validates the binary path up front so a misconfiguration fails at
// startup rather than on the first completed group.
func NewExec(binary, workDir string, timeout time.Duration) (*Exec, error) {
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%w: %v", mri.ErrCollaborator, err)
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Exec{Binary: binary, WorkDir: workDir, Timeout: timeout}, nil
}

// CalibrationRequest is the wire form of a sensitivity calibration.
type CalibrationRequest struct {
	KSpace *sorter.Cartesian
	Meta   GroupMeta
}

// CartesianRequest is the wire form of a Cartesian reconstruction.
type CartesianRequest struct {
	KSpace *sorter.Cartesian
	Sens   *SensitivityMap
	Meta   GroupMeta
}

// NonUniformRequest is the wire form of a non-uniform reconstruction.
type NonUniformRequest struct {
	KSpace *sorter.NonUniform
	Sens   *SensitivityMap
	Meta   GroupMeta
}

// NonUniformCalibrationRequest is the wire form of a sensitivity calibration
// from non-uniform imaging data (the collaborator grids it before calibrating).
type NonUniformCalibrationRequest struct {
	KSpace *sorter.NonUniform
	Meta   GroupMeta
}

// ImageResponse is the wire form of a reconstruction result.
type ImageResponse struct {
	Images []*mri.Image
}

// Calibrate implements Calibrator.
func (e *Exec) Calibrate(ctx context.Context, ref *sorter.Cartesian, meta GroupMeta) (*SensitivityMap, error) {
	var resp struct{ Map *SensitivityMap }
	if err := e.call(ctx, "calibrate", &CalibrationRequest{KSpace: ref, Meta: meta}, &resp); err != nil {
		return nil, err
	}
	if resp.Map == nil {
		return nil, fmt.Errorf("%w: calibrate returned no map", mri.ErrCollaborator)
	}
	return resp.Map, nil
}

// CalibrateNonUniform implements Calibrator for spiral and radial groups that
// never saw a Cartesian reference scan.
func (e *Exec) CalibrateNonUniform(ctx context.Context, k *sorter.NonUniform, meta GroupMeta) (*SensitivityMap, error) {
	var resp struct{ Map *SensitivityMap }
	if err := e.call(ctx, "calibrate-nonuniform", &NonUniformCalibrationRequest{KSpace: k, Meta: meta}, &resp); err != nil {
		return nil, err
	}
	if resp.Map == nil {
		return nil, fmt.Errorf("%w: calibrate-nonuniform returned no map", mri.ErrCollaborator)
	}
	return resp.Map, nil
}

// ReconstructCartesian implements Reconstructor.
func (e *Exec) ReconstructCartesian(ctx context.Context, k *sorter.Cartesian, sens *SensitivityMap, meta GroupMeta) ([]*mri.Image, error) {
	var resp ImageResponse
	if err := e.call(ctx, "recon-cartesian", &CartesianRequest{KSpace: k, Sens: sens, Meta: meta}, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// ReconstructNonUniform implements Reconstructor.
func (e *Exec) ReconstructNonUniform(ctx context.Context, k *sorter.NonUniform, sens *SensitivityMap, meta GroupMeta) ([]*mri.Image, error) {
	var resp ImageResponse
	if err := e.call(ctx, "recon-nonuniform", &NonUniformRequest{KSpace: k, Sens: sens, Meta: meta}, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

func (e *Exec) call(ctx context.Context, verb string, req, resp any) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp(e.WorkDir, "recon-"+verb+"-")
	if err != nil {
		return fmt.Errorf("%w: scratch dir: %v", mri.ErrCollaborator, err)
	}
	defer os.RemoveAll(dir)

	reqPath := filepath.Join(dir, "request.gob")
	respPath := filepath.Join(dir, "response.gob")
	if err := writeGob(reqPath, req); err != nil {
		return fmt.Errorf("%w: encode %s request: %v", mri.ErrCollaborator, verb, err)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.Binary, verb, reqPath, respPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v (%s)", mri.ErrCollaborator, e.Binary, verb, err, firstLine(out))
	}
	if err := readGob(respPath, resp); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", mri.ErrCollaborator, verb, err)
	}
	monitoring.Debugf("[recon] %s finished in %s", verb, time.Since(start).Round(time.Millisecond))
	return nil
}

func writeGob(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
