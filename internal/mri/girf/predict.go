package girf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/geom"
)

// Physical constants of the prediction.
const (
	// GammaBar is the gyromagnetic ratio of 1H in Hz/T.
	GammaBar = 42.577e6
	// RefRasterTime is the raster the field-camera reference was sampled on.
	// The half-sample integration correction is expressed against it.
	RefRasterTime = 1e-6
	// padSamples is the zero padding added to each end of the gradient before
	// frequency-domain filtering to avoid edge artifacts.
	padSamples = 10
)

// Predictor converts nominal gradient waveforms into corrected k-space
// trajectories using a measured impulse response. Safe for reuse across
// readouts; it holds no per-readout state.
type Predictor struct {
	Resp *ImpulseResponse
}

// NewPredictor wraps a loaded impulse response.
func NewPredictor(resp *ImpulseResponse) (*Predictor, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: no impulse response loaded", mri.ErrProtocolMismatch)
	}
	if err := resp.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", mri.ErrProtocolMismatch, err)
	}
	return &Predictor{Resp: resp}, nil
}

// Request describes one trajectory prediction.
type Request struct {
	// Gradient is the nominal waveform on the gradient raster, logical
	// read/phase/slice axes, T/m. Two axes are allowed for 2-D encodings; the
	// slice axis is then implicitly zero.
	Gradient [][]float64
	// Rotation maps logical to device axes (geom.RotationFromPose).
	Rotation *mat.Dense
	// DwellTime is the ADC sample interval in seconds.
	DwellTime float64
	// Samples is the number of ADC samples of the full (reassembled) readout.
	Samples int
	// GridShift is the delay between gradient start and ADC start, seconds.
	GridShift float64
	// FOV is the reconstruction field of view in mm; trajectories are scaled
	// to unitless cycles across the FOV.
	FOV float64
	// MatrixZ and Partition fill the constant kz axis for 2-D gradients.
	MatrixZ   int
	Partition int
}

// Prediction is the result of one trajectory prediction.
type Prediction struct {
	// Pred is the corrected trajectory, 3 × Samples, on the ADC raster.
	Pred [][]float64
	// Base is the trajectory integrated from the unfiltered nominal gradient,
	// retained so later segments of the same readout can be shifted
	// consistently.
	Base [][]float64
	// K0 is the accumulated zeroth-order phase per ADC sample, radians.
	K0 []float64
}

// Predict runs the full prediction chain: pad, rotate to the device frame,
// filter with the impulse response, rotate back, integrate and interpolate
// onto the ADC raster.
func (p *Predictor) Predict(req Request) (*Prediction, error) {
	dims := len(req.Gradient)
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("%w: gradient must have 2 or 3 axes, got %d", mri.ErrProtocolMismatch, dims)
	}
	if req.Rotation == nil {
		return nil, fmt.Errorf("%w: missing rotation", mri.ErrProtocolMismatch)
	}
	if req.Samples <= 0 || req.DwellTime <= 0 {
		return nil, fmt.Errorf("%w: invalid ADC raster (%d samples, dwell %g)", mri.ErrProtocolMismatch, req.Samples, req.DwellTime)
	}
	if req.FOV <= 0 {
		return nil, fmt.Errorf("%w: field of view must be positive", mri.ErrProtocolMismatch)
	}
	dtGrad := p.Resp.RasterTime

	// Pad the waveform and shift the time origin accordingly.
	grad := make([][]float64, 3)
	for i := 0; i < dims; i++ {
		g := make([]float64, padSamples+len(req.Gradient[i])+padSamples)
		copy(g[padSamples:], req.Gradient[i])
		grad[i] = g
	}
	n := len(grad[0])
	if dims == 2 {
		grad[2] = make([]float64, n)
	}
	gridShift := req.GridShift - float64(padSamples)*dtGrad

	// Gradient raster time vector, including the half-sample offset from
	// cumulative-sum integration of triangular waveforms.
	gradTime := make([]float64, n)
	for i := range gradTime {
		gradTime[i] = dtGrad*float64(i) + gridShift + dtGrad/2 - RefRasterTime/2
	}

	rotDev := geom.LogicalToDevice(req.Rotation, grad)

	predDev, k0Grad, err := p.filter(rotDev)
	if err != nil {
		return nil, err
	}

	predLog := geom.DeviceToLogical(req.Rotation, predDev)

	// Integrate: cumulative sum scaled by γ̄ and the raster interval yields
	// 1/m, then the FOV scaling makes the trajectory unitless.
	scale := dtGrad * GammaBar * 1e-3 * req.FOV
	predTrj := integrate(predLog, scale)
	baseTrj := integrate(grad, scale)
	k0 := make([]float64, n)
	var acc float64
	for i, v := range k0Grad {
		acc += v
		k0[i] = acc * dtGrad * GammaBar * 2 * math.Pi
	}

	// A 2-D encoding carries no slice-axis waveform; the kz coordinate is the
	// partition offset from the matrix centre, constant across the readout.
	if dims == 2 {
		kz := float64(req.Partition - req.MatrixZ/2)
		for i := range predTrj[2] {
			predTrj[2][i] = kz
		}
	}

	// Align everything to the scanner ADC raster.
	adcTime := make([]float64, req.Samples)
	for i := range adcTime {
		adcTime[i] = req.DwellTime * (float64(i) + 0.5)
	}
	out := &Prediction{
		Pred: make([][]float64, 3),
		Base: make([][]float64, 3),
		K0:   make([]float64, req.Samples),
	}
	for ax := 0; ax < 3; ax++ {
		out.Pred[ax] = interpAll(adcTime, gradTime, predTrj[ax])
		out.Base[ax] = interpAll(adcTime, gradTime, baseTrj[ax])
	}
	out.K0 = interpAll(adcTime, gradTime, k0)
	return out, nil
}

// filter applies the impulse response to a device-frame gradient (3 × n).
// Returns the three predicted spatial axes and the zeroth-order term on the
// gradient raster.
func (p *Predictor) filter(grad [][]float64) (spatial [][]float64, zeroth []float64, err error) {
	n := len(grad[0])
	resp := p.Resp
	respN := resp.Samples()

	// Match sample counts: zero-fill the gradient up to the response length,
	// or resample the response (with a warning) when the gradient is longer.
	workN := n
	if respN > n {
		workN = respN
	} else if n > respN {
		resp = resp.resampled(n)
	}

	fft := fourier.NewCmplxFFT(workN)
	gradFreq := make([][]complex128, InputAxes)
	for in := 0; in < InputAxes; in++ {
		seq := make([]complex128, workN)
		for i, v := range grad[in] {
			seq[i] = complex(v, 0)
		}
		gradFreq[in] = centeredFFT(fft, seq)
	}

	spatial = make([][]float64, 3)
	for out := 0; out < OutputAxes; out++ {
		freq := make([]complex128, workN)
		for in := 0; in < InputAxes; in++ {
			h := resp.H[in][out]
			for k := range freq {
				freq[k] += gradFreq[in][k] * h[k]
			}
		}
		seq := centeredIFFT(fft, freq)
		axis := make([]float64, n)
		for i := range axis {
			axis[i] = real(seq[i])
		}
		if out == 0 {
			zeroth = axis
		} else {
			spatial[out-1] = axis
		}
	}
	return spatial, zeroth, nil
}

func integrate(axes [][]float64, scale float64) [][]float64 {
	out := make([][]float64, len(axes))
	for i, ax := range axes {
		cum := make([]float64, len(ax))
		var acc float64
		for j, v := range ax {
			acc += v
			cum[j] = acc * scale
		}
		out[i] = cum
	}
	return out
}
