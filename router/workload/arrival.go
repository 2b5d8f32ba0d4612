package workload

import (
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ArrivalSampler generates inter-arrival times.
type ArrivalSampler interface {
	// SampleIAT returns the next inter-arrival time. Always positive.
	SampleIAT(rng *rand.Rand) time.Duration
}

// PoissonSampler generates exponentially-distributed inter-arrival times (CV=1).
type PoissonSampler struct {
	mean time.Duration
}

func (s *PoissonSampler) SampleIAT(rng *rand.Rand) time.Duration {
	return positive(time.Duration(rng.ExpFloat64() * float64(s.mean)))
}

// GammaSampler generates Gamma-distributed inter-arrival times.
// CV > 1 produces bursty arrivals.
type GammaSampler struct {
	shape float64 // 1/CV²
	scale float64 // CV² * mean, in nanoseconds
}

func (s *GammaSampler) SampleIAT(rng *rand.Rand) time.Duration {
	return positive(time.Duration(gammaRand(rng, s.shape, s.scale)))
}

// ConstantArrivalSampler spaces queries evenly.
type ConstantArrivalSampler struct {
	interval time.Duration
}

func (s *ConstantArrivalSampler) SampleIAT(_ *rand.Rand) time.Duration {
	return positive(s.interval)
}

func positive(d time.Duration) time.Duration {
	if d < 1 {
		return 1
	}
	return d
}

// gammaRand samples from Gamma(shape, scale) using Marsaglia-Tsang's method.
// For shape < 1: Gamma(shape) = Gamma(shape+1) * U^(1/shape).
func gammaRand(rng *rand.Rand, shape, scale float64) float64 {
	if shape < 1.0 {
		u := rng.Float64()
		return gammaRand(rng, shape+1.0, scale) * math.Pow(u, 1.0/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()

		// Squeeze test
		if u < 1.0-0.0331*(x*x)*(x*x) {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

// NewArrivalSampler creates an ArrivalSampler for spec at ratePerSecond
// queries per second.
func NewArrivalSampler(spec ArrivalSpec, ratePerSecond float64) ArrivalSampler {
	if ratePerSecond < 1e-9 {
		ratePerSecond = 1e-9
	}
	mean := time.Duration(float64(time.Second) / ratePerSecond)
	switch spec.Process {
	case "gamma":
		cv := 1.0
		if spec.CV != nil && *spec.CV > 0 {
			cv = *spec.CV
		}
		shape := 1.0 / (cv * cv)
		if shape < 0.01 {
			logrus.Warnf("Gamma shape %.4f (CV=%.1f) is very small; falling back to Poisson", shape, cv)
			return &PoissonSampler{mean: mean}
		}
		return &GammaSampler{shape: shape, scale: float64(mean) * cv * cv}
	case "constant":
		return &ConstantArrivalSampler{interval: mean}
	default:
		return &PoissonSampler{mean: mean}
	}
}
