package hpmf

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Priors holds the hyper-parameters of the hierarchical Gamma prior. The
// shape parameters govern the first-level Gamma prior over the latent
// factors; the zeta parameters govern the per-user and per-item Gamma
// hyper-prior over the factor rates.
type Priors struct {
	AlphaShape     float64
	BetaShape      float64
	ZetaAlphaShape float64
	ZetaBetaShape  float64
	ZetaAlphaRate  float64
	ZetaBetaRate   float64
}

// DefaultPriors returns the prior settings used when none are given.
func DefaultPriors() Priors {
	return Priors{
		AlphaShape:     1.0,
		BetaShape:      1.0,
		ZetaAlphaShape: 1.0,
		ZetaBetaShape:  1.0,
		ZetaAlphaRate:  0.1,
		ZetaBetaRate:   0.1,
	}
}

// HPMF stores the parameters of the hierarchical Poisson matrix
// factorization model. Alpha and Beta are the user and item latent factor
// matrices; both are nil until inference or prior simulation fills them in.
// When BerPo is set the Poisson rate is transformed into an interaction
// probability 1 - exp(-rate) and counts are treated as binary.
type HPMF struct {
	NUsers           int
	NItems           int
	LatentDimensions int
	BerPo            bool
	Priors           Priors

	Alpha *mat.Dense
	Beta  *mat.Dense

	ZetaAlpha []float64
	ZetaBeta  []float64
}

// NewHPMF returns an HPMF instance.
func NewHPMF(nUsers int, nItems int, latentDimensions int, berPo bool, priors Priors) (*HPMF, error) {
	if nUsers < 1 || nItems < 1 {
		return nil, fmt.Errorf("%w: nUsers (%v) and nItems (%v) must be positive", ErrInvalidArgument, nUsers, nItems)
	}
	if latentDimensions < 1 {
		return nil, fmt.Errorf("%w: latentDimensions (%v) must be positive", ErrInvalidArgument, latentDimensions)
	}
	for _, p := range []float64{priors.AlphaShape, priors.BetaShape, priors.ZetaAlphaShape, priors.ZetaBetaShape, priors.ZetaAlphaRate, priors.ZetaBetaRate} {
		if p <= 0.0 {
			return nil, fmt.Errorf("%w: prior parameters must be strictly positive, got %v", ErrInvalidArgument, priors)
		}
	}
	return &HPMF{
		NUsers:           nUsers,
		NItems:           nItems,
		LatentDimensions: latentDimensions,
		BerPo:            berPo,
		Priors:           priors,
	}, nil
}

// Pmf returns the probability for a user, item and count. Under the
// Bernoulli-Poisson model it returns the interaction probability
// 1 - exp(-rate) and count is ignored. Pass count = 1 for the original
// default.
func (m *HPMF) Pmf(user int, item int, count int) (float64, error) {
	if m.Alpha == nil || m.Beta == nil {
		return 0, fmt.Errorf("%w: latent parameters", ErrUnsetParameter)
	}
	if user < 0 || user >= m.NUsers {
		return 0, fmt.Errorf("%w: user %v out of range [0, %v)", ErrInvalidArgument, user, m.NUsers)
	}
	if item < 0 || item >= m.NItems {
		return 0, fmt.Errorf("%w: item %v out of range [0, %v)", ErrInvalidArgument, item, m.NItems)
	}
	rate := floats.Dot(m.Alpha.RawRowView(user), m.Beta.RawRowView(item))
	if m.BerPo {
		return -math.Expm1(-rate), nil
	}
	return distuv.Poisson{Lambda: rate}.Prob(float64(count)), nil
}

// PmfMatrix returns an NUsers x NItems matrix with the probability of count
// for every user and item pair, the full-matrix form of Pmf.
func (m *HPMF) PmfMatrix(count int) (*mat.Dense, error) {
	rate, err := m.rateMatrix()
	if err != nil {
		return nil, err
	}
	p := mat.NewDense(m.NUsers, m.NItems, nil)
	p.Apply(func(_, _ int, r float64) float64 {
		if m.BerPo {
			return -math.Expm1(-r)
		}
		return distuv.Poisson{Lambda: r}.Prob(float64(count))
	}, rate)
	return p, nil
}

// rateMatrix returns Alpha * Beta^T.
func (m *HPMF) rateMatrix() (*mat.Dense, error) {
	if m.Alpha == nil || m.Beta == nil {
		return nil, fmt.Errorf("%w: latent parameters", ErrUnsetParameter)
	}
	rate := mat.NewDense(m.NUsers, m.NItems, nil)
	rate.Mul(m.Alpha, m.Beta.T())
	return rate, nil
}

func simulateFactors(n, k int, shape float64, zetaShape, zetaRate float64, rng *rand.Rand) ([]float64, *mat.Dense) {
	zetaDist := distuv.Gamma{Alpha: zetaShape, Beta: zetaRate, Src: rng}
	zeta := make([]float64, n)
	for i := range zeta {
		zeta[i] = zetaDist.Rand()
	}
	factors := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		rowDist := distuv.Gamma{Alpha: shape, Beta: zeta[i], Src: rng}
		for j := 0; j < k; j++ {
			factors.Set(i, j, rowDist.Rand())
		}
	}
	return zeta, factors
}

// SimulateParameters samples the latent factors from the prior: each user's
// rate zeta from Gamma(ZetaAlphaShape, ZetaAlphaRate), then the user's
// factor row from Gamma(AlphaShape, zeta), and symmetrically for items. Used
// to build synthetic data sets.
func (m *HPMF) SimulateParameters(rng *rand.Rand) {
	m.ZetaAlpha, m.Alpha = simulateFactors(m.NUsers, m.LatentDimensions, m.Priors.AlphaShape, m.Priors.ZetaAlphaShape, m.Priors.ZetaAlphaRate, rng)
	m.ZetaBeta, m.Beta = simulateFactors(m.NItems, m.LatentDimensions, m.Priors.BetaShape, m.Priors.ZetaBetaShape, m.Priors.ZetaBetaRate, rng)
}

// SimulateCounts draws an NUsers x NItems matrix of Poisson counts from the
// rate matrix, simulating the latent parameters first if they are unset.
// Under the Bernoulli-Poisson model counts collapse to 0/1 indicators.
func (m *HPMF) SimulateCounts(rng *rand.Rand) *mat.Dense {
	if m.Alpha == nil || m.Beta == nil {
		m.SimulateParameters(rng)
	}
	rate, _ := m.rateMatrix()
	counts := mat.NewDense(m.NUsers, m.NItems, nil)
	counts.Apply(func(_, _ int, r float64) float64 {
		c := distuv.Poisson{Lambda: r, Src: rng}.Rand()
		if m.BerPo && c > 0 {
			return 1
		}
		return c
	}, rate)
	return counts
}

// WriteState writes the user and item latent parameters to alpha.txt and
// beta.txt under outDir with schema label,factor_1,...,factor_K. Labels are
// optional; integer identifiers are used when they are nil. A nil factor
// matrix is skipped with a warning instead of failing.
func (m *HPMF) WriteState(outDir string, userLabels []string, itemLabels []string) error {
	if m.Alpha == nil {
		logger.Warn("cannot write user latent parameters to file as they have not been set")
	} else if err := writeFactorTable(filepath.Join(outDir, "alpha.txt"), m.Alpha, userLabels); err != nil {
		return err
	}
	if m.Beta == nil {
		logger.Warn("cannot write item latent parameters to file as they have not been set")
	} else if err := writeFactorTable(filepath.Join(outDir, "beta.txt"), m.Beta, itemLabels); err != nil {
		return err
	}
	return nil
}

func writeFactorTable(path string, factors *mat.Dense, labels []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot write factor table: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	rows, cols := factors.Dims()
	for i := 0; i < rows; i++ {
		label := strconv.Itoa(i)
		if labels != nil {
			label = labels[i]
		}
		fmt.Fprint(w, label)
		for j := 0; j < cols; j++ {
			fmt.Fprint(w, ",", strconv.FormatFloat(factors.At(i, j), 'g', -1, 64))
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("cannot write factor table: %w", err)
	}
	logger.Info("wrote factor table", zap.String("path", path), zap.Int("rows", rows))
	return nil
}
