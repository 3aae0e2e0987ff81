package reservoir

import (
	"errors"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// Stability is the result of [Predictor.VerifyStability].
type Stability struct {
	SpectralRadius float64 `json:"spectral_radius"`
	Stable         bool    `json:"stable"`

	// RecoveryTime estimates the decay time constant 1/(1-ρ) in steps.
	// Zero when the matrix is unstable.
	RecoveryTime float64 `json:"recovery_time"`

	// SelfAmplification is leak·ρ, the effective per-step gain.
	SelfAmplification float64 `json:"self_amplification"`
}

// VerifyStability recomputes the spectral radius of the recurrent matrix.
// It reports; it never rescales.
func (p *Predictor) VerifyStability() (Stability, error) {
	rho, err := spectralRadius(p.rec)
	if err != nil {
		return Stability{}, err
	}
	s := Stability{
		SpectralRadius:    rho,
		Stable:            rho < 1,
		SelfAmplification: p.cfg.Leak * rho,
	}
	if s.Stable {
		s.RecoveryTime = 1 / (1 - rho)
	}
	return s, nil
}

func spectralRadius(m *mat.Dense) (float64, error) {
	var eig mat.Eigen
	if ok := eig.Factorize(m, mat.EigenNone); !ok {
		return 0, errors.New("eigen decomposition did not converge")
	}
	var rho float64
	for _, v := range eig.Values(nil) {
		rho = max(rho, cmplx.Abs(v))
	}
	return rho, nil
}
