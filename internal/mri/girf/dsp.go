package girf

import "gonum.org/v1/gonum/dsp/fourier"

// centeredFFT computes a DC-centred forward transform: the input is treated as
// a time series with its origin in the middle, and the output spectrum has DC
// in the middle as well (ifftshift → FFT → fftshift).
func centeredFFT(fft *fourier.CmplxFFT, x []complex128) []complex128 {
	return fftshift(fft.Coefficients(nil, ifftshift(x)))
}

// centeredIFFT inverts centeredFFT, including the 1/n normalisation that the
// unnormalised gonum inverse leaves to the caller.
func centeredIFFT(fft *fourier.CmplxFFT, x []complex128) []complex128 {
	seq := fftshift(fft.Sequence(nil, ifftshift(x)))
	inv := complex(1/float64(len(x)), 0)
	for i := range seq {
		seq[i] *= inv
	}
	return seq
}

func fftshift(x []complex128) []complex128 {
	n := len(x)
	out := make([]complex128, n)
	half := (n + 1) / 2
	for i := range out {
		out[i] = x[(i+half)%n]
	}
	return out
}

func ifftshift(x []complex128) []complex128 {
	n := len(x)
	out := make([]complex128, n)
	half := n / 2
	for i := range out {
		out[i] = x[(i+half)%n]
	}
	return out
}

// interp evaluates piecewise-linear interpolation of (xp, fp) at x, clamping
// outside the sample range. xp must be strictly increasing.
func interp(x float64, xp, fp []float64) float64 {
	n := len(xp)
	if x <= xp[0] {
		return fp[0]
	}
	if x >= xp[n-1] {
		return fp[n-1]
	}
	// binary search for the interval containing x
	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if xp[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}
	t := (x - xp[lo]) / (xp[hi] - xp[lo])
	return fp[lo] + t*(fp[hi]-fp[lo])
}

func interpAll(xs, xp, fp []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = interp(x, xp, fp)
	}
	return out
}
