// Package whiten builds and applies the inter-channel noise decorrelation
// transform derived from noise-only acquisition records.
package whiten

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/cblas128"
	"gonum.org/v1/gonum/mat"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/monitoring"
)

// Model is the decorrelation transform. Immutable after Build; a nil *Model
// means "no noise data seen" and Apply on it is the identity.
type Model struct {
	w        *mat.CDense // channels × channels, lower triangular
	channels int
}

// Channels returns the coil count the model was built for.
func (m *Model) Channels() int { return m.channels }

// Build computes the decorrelation transform from the sample covariance of the
// concatenated noise records. scale adjusts for bandwidth/dwell differences
// between the noise and imaging acquisitions; pass 1 when they match.
// It fails on an empty buffer or when the covariance is not positive definite.
func Build(records []*mri.AcquisitionRecord, scale float64) (*Model, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("whiten: no noise records accumulated")
	}
	nc := records[0].Channels()
	total := 0
	for _, r := range records {
		if r.Channels() != nc {
			return nil, fmt.Errorf("whiten: channel count changed mid-stream (%d vs %d)", r.Channels(), nc)
		}
		total += r.Samples()
	}
	if total < 2 {
		return nil, fmt.Errorf("whiten: need at least 2 noise samples, got %d", total)
	}

	// Concatenate into channels × total and form the sample covariance
	// cov = X Xᴴ / (N-1).
	x := mat.NewCDense(nc, total, nil)
	col := 0
	for _, r := range records {
		for s := 0; s < r.Samples(); s++ {
			for c := 0; c < nc; c++ {
				x.Set(c, col, r.Data[c][s])
			}
			col++
		}
	}
	cov := mat.NewCDense(nc, nc, nil)
	cblas128.Gemm(blas.NoTrans, blas.ConjTrans, 1, x.RawCMatrix(), x.RawCMatrix(), 0, cov.RawCMatrix())
	norm := complex(1/float64(total-1), 0)
	for i := 0; i < nc; i++ {
		for j := 0; j < nc; j++ {
			cov.Set(i, j, cov.At(i, j)*norm)
		}
	}

	l, err := cholesky(cov)
	if err != nil {
		return nil, err
	}
	w := invertLowerTriangular(l)

	// The √2 accounts for the unit variance convention of the real and
	// imaginary parts after whitening.
	f := complex(math.Sqrt(2)*math.Sqrt(scale), 0)
	for i := 0; i < nc; i++ {
		for j := 0; j <= i; j++ {
			w.Set(i, j, w.At(i, j)*f)
		}
	}

	monitoring.Logf("[whiten] decorrelation transform built from %d noise records (%d channels, %d samples)", len(records), nc, total)
	return &Model{w: w, channels: nc}, nil
}

// Apply left-multiplies a channels × samples readout by the transform and
// returns the whitened copy. A nil model returns the input unchanged.
func (m *Model) Apply(data [][]complex128) ([][]complex128, error) {
	if m == nil {
		return data, nil
	}
	nc := len(data)
	if nc != m.channels {
		return nil, fmt.Errorf("whiten: record has %d channels, model expects %d", nc, m.channels)
	}
	if nc == 0 || len(data[0]) == 0 {
		return data, nil
	}
	ns := len(data[0])
	x := mat.NewCDense(nc, ns, nil)
	for c := range data {
		for s, v := range data[c] {
			x.Set(c, s, v)
		}
	}
	out := mat.NewCDense(nc, ns, nil)
	cblas128.Gemm(blas.NoTrans, blas.NoTrans, 1, m.w.RawCMatrix(), x.RawCMatrix(), 0, out.RawCMatrix())
	res := make([][]complex128, nc)
	for c := 0; c < nc; c++ {
		row := make([]complex128, ns)
		for s := 0; s < ns; s++ {
			row[s] = out.At(c, s)
		}
		res[c] = row
	}
	return res, nil
}

// cholesky factors a Hermitian positive definite matrix into its lower
// triangular factor. gonum's mat.Cholesky covers the real symmetric case only,
// so the complex variant is spelled out here.
func cholesky(a *mat.CDense) (*mat.CDense, error) {
	n, _ := a.Dims()
	l := mat.NewCDense(n, n, nil)
	for j := 0; j < n; j++ {
		var sum float64
		for k := 0; k < j; k++ {
			v := l.At(j, k)
			sum += real(v)*real(v) + imag(v)*imag(v)
		}
		d := real(a.At(j, j)) - sum
		if d <= 0 {
			return nil, fmt.Errorf("whiten: noise covariance is not positive definite (pivot %d)", j)
		}
		l.Set(j, j, complex(math.Sqrt(d), 0))
		for i := j + 1; i < n; i++ {
			var s complex128
			for k := 0; k < j; k++ {
				s += l.At(i, k) * cmplx.Conj(l.At(j, k))
			}
			l.Set(i, j, (a.At(i, j)-s)/l.At(j, j))
		}
	}
	return l, nil
}

// invertLowerTriangular inverts a lower triangular matrix by forward
// substitution. The result is lower triangular as well.
func invertLowerTriangular(l *mat.CDense) *mat.CDense {
	n, _ := l.Dims()
	m := mat.NewCDense(n, n, nil)
	for j := 0; j < n; j++ {
		m.Set(j, j, 1/l.At(j, j))
		for i := j + 1; i < n; i++ {
			var s complex128
			for k := j; k < i; k++ {
				s += l.At(i, k) * m.At(k, j)
			}
			m.Set(i, j, -s/l.At(i, i))
		}
	}
	return m
}
