package hpmf

import (
	"fmt"
	"math"
	"time"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// TerminalStatus reports how the coordinate ascent loop exited.
type TerminalStatus int

const (
	// Converged means the relative ELBO change dropped to the threshold.
	Converged TerminalStatus = iota
	// Exhausted means the iteration budget ran out first. The last
	// computed parameters are still written back to the model.
	Exhausted
)

func (s TerminalStatus) String() string {
	if s == Converged {
		return "converged"
	}
	return "exhausted"
}

// VIConfig configures the inference engine.
type VIConfig struct {
	// Seed for the engine's random source. A negative seed draws one from
	// the clock; identical non-negative seeds over identical inputs give
	// bit-identical results.
	Seed int64
	// ConvergenceThreshold on the relative change between two consecutive
	// ELBO values. Zero or negative selects the default 1e-5.
	ConvergenceThreshold float64
	// MaxIterations caps the coordinate ascent loop. Zero or negative
	// selects the default 500.
	MaxIterations int
	// ShowProgress draws a progress bar over iterations.
	ShowProgress bool
}

const (
	defaultConvergenceThreshold = 0.00001
	defaultMaxIterations        = 500

	// exp(x) overflows float64 just above 709; past this point
	// log(expm1(x)) is x to double precision anyway.
	maxExpArg = 700.0
)

type ratePair struct {
	count int
	rate  float64
}

// VI stores the variational distribution parameters and performs mean-field
// coordinate ascent over them. Each latent factor carries a variational
// Gamma factor with shape lambda and rate mu; each user and item carries a
// scalar Gamma factor over its hyper-prior rate with fixed shape nu and
// variational rate xi. RunAlgorithm iterates the closed-form updates until
// the ELBO stops improving, then writes the posterior means into the model.
type VI struct {
	model *HPMF
	edges []Edge
	berPo bool
	rng   *rand.Rand

	lambdaUser        [][]float64
	digammaLambdaUser [][]float64
	muUser            [][]float64
	logMuUser         [][]float64
	lambdaItem        [][]float64
	digammaLambdaItem [][]float64
	muItem            [][]float64
	logMuItem         [][]float64

	xiUser []float64
	xiItem []float64
	nuUser float64
	nuItem float64

	sumOverItems [][]float64
	sumOverUsers [][]float64
	poissonRate  []ratePair
	chi          []float64

	convergenceThreshold float64
	maxIterations        int
	showProgress         bool

	iterations int
	elbo       float64
}

// NewVI returns a VI engine over the container's edge list and the model's
// hyper-parameters. The variational shape parameters start at the prior
// shapes; the variational rates are initialized by sampling the hyper-prior
// Gamma, user rows first then item rows, which together with the seed fixes
// the initial state exactly.
func NewVI(data *DataContainer, model *HPMF, cfg VIConfig) (*VI, error) {
	if data.NumUsers() != model.NUsers || data.NumItems() != model.NItems {
		return nil, fmt.Errorf("%w: data is %vx%v but model is %vx%v",
			ErrInvalidArgument, data.NumUsers(), data.NumItems(), model.NUsers, model.NItems)
	}
	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	threshold := cfg.ConvergenceThreshold
	if threshold <= 0 {
		threshold = defaultConvergenceThreshold
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	nUsers, nItems, k := model.NUsers, model.NItems, model.LatentDimensions
	p := model.Priors
	v := &VI{
		model:                model,
		edges:                data.Edges,
		berPo:                model.BerPo,
		rng:                  rand.New(rand.NewSource(uint64(seed))),
		lambdaUser:           constMatrix(nUsers, k, p.AlphaShape),
		digammaLambdaUser:    constMatrix(nUsers, k, mathext.Digamma(p.AlphaShape)),
		lambdaItem:           constMatrix(nItems, k, p.BetaShape),
		digammaLambdaItem:    constMatrix(nItems, k, mathext.Digamma(p.BetaShape)),
		xiUser:               constVector(nUsers, p.ZetaAlphaRate),
		xiItem:               constVector(nItems, p.ZetaBetaRate),
		nuUser:               p.ZetaAlphaShape + float64(k)*p.AlphaShape,
		nuItem:               p.ZetaBetaShape + float64(k)*p.BetaShape,
		sumOverItems:         constMatrix(nUsers, k, 0),
		sumOverUsers:         constMatrix(nItems, k, 0),
		poissonRate:          make([]ratePair, 0, len(data.Edges)),
		chi:                  make([]float64, k),
		convergenceThreshold: threshold,
		maxIterations:        maxIterations,
		showProgress:         cfg.ShowProgress,
	}
	v.muUser, v.logMuUser = v.sampleRates(nUsers, k, p.ZetaAlphaShape, p.ZetaAlphaRate)
	v.muItem, v.logMuItem = v.sampleRates(nItems, k, p.ZetaBetaShape, p.ZetaBetaRate)
	return v, nil
}

func (v *VI) sampleRates(n, k int, shape, rate float64) (mu [][]float64, logMu [][]float64) {
	dist := distuv.Gamma{Alpha: shape, Beta: rate, Src: v.rng}
	mu = constMatrix(n, k, 0)
	logMu = constMatrix(n, k, 0)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			mu[i][j] = dist.Rand()
			logMu[i][j] = math.Log(mu[i][j])
		}
	}
	return mu, logMu
}

// RunAlgorithm runs the coordinate ascent loop until the ELBO converges or
// the iteration budget is exhausted, then writes the posterior mean factors
// into the model. Within one iteration the order is fixed: multinomial
// allocation, ELBO, user update, item update.
func (v *VI) RunAlgorithm() TerminalStatus {
	var bar *pb.ProgressBar
	if v.showProgress {
		bar = pb.StartNew(v.maxIterations)
	}
	status := Exhausted
	n := 0
	oldELBO := 0.0
	for n < v.maxIterations {
		v.updateMultinomialParameters()
		elbo := v.computeELBO()
		v.elbo = elbo
		if n > 0 {
			eps := v.changeInELBO(oldELBO, elbo)
			if eps <= v.convergenceThreshold {
				status = Converged
				break
			}
		}
		oldELBO = elbo
		v.updateUserParameters()
		v.updateItemParameters()
		n++
		logger.Debug("iteration", zap.Int("n", n), zap.Float64("elbo", elbo))
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}
	v.iterations = n
	if status == Exhausted {
		logger.Warn("algorithm did not reach convergence",
			zap.Int("maxIterations", v.maxIterations))
	} else {
		logger.Info("algorithm reached convergence",
			zap.Int("iterations", n), zap.Float64("elbo", v.elbo))
	}
	v.writeBack()
	return status
}

// Iterations returns the number of completed coordinate ascent iterations.
func (v *VI) Iterations() int {
	return v.iterations
}

// ELBO returns the latest evidence lower bound value.
func (v *VI) ELBO() float64 {
	return v.elbo
}

// updateMultinomialParameters rebuilds the per-edge expected factor
// allocations. For every observed edge the responsibility of latent
// dimension k is exp(E[log alpha_uk] + E[log beta_ik]); the normalized
// responsibilities distribute the edge's count (or, under
// Bernoulli-Poisson, one unit of interaction mass) over the dimensions and
// accumulate into sumOverItems and sumOverUsers. The unnormalized totals
// are retained for the ELBO.
func (v *VI) updateMultinomialParameters() {
	zeroMatrix(v.sumOverItems)
	zeroMatrix(v.sumOverUsers)
	v.poissonRate = v.poissonRate[:0]
	k := len(v.chi)
	for _, e := range v.edges {
		z := 0.0
		for j := 0; j < k; j++ {
			v.chi[j] = math.Exp(v.digammaLambdaUser[e.User][j] - v.logMuUser[e.User][j] +
				v.digammaLambdaItem[e.Item][j] - v.logMuItem[e.Item][j])
			z += v.chi[j]
		}
		v.poissonRate = append(v.poissonRate, ratePair{count: e.Count, rate: z})
		norm := z
		if v.berPo {
			norm = -math.Expm1(-z)
		}
		if norm == 0 {
			// Every responsibility underflowed. In the limit z -> 0 both
			// normalizers tend to z and every chi_j <= z, so the edge
			// contributes no allocation mass this iteration.
			continue
		}
		scale := 1.0 / norm
		if !v.berPo {
			scale *= float64(e.Count)
		}
		for j := 0; j < k; j++ {
			w := v.chi[j] * scale
			v.sumOverItems[e.User][j] += w
			v.sumOverUsers[e.Item][j] += w
		}
	}
}

func (v *VI) computeELBO() float64 {
	elbo := v.elboThetaTerms()
	p := v.model.Priors
	elbo += elboSideTerms(v.lambdaUser, v.digammaLambdaUser, v.muUser, v.logMuUser,
		v.xiUser, v.nuUser, p.AlphaShape, p.ZetaAlphaShape, p.ZetaAlphaRate)
	elbo += elboSideTerms(v.lambdaItem, v.digammaLambdaItem, v.muItem, v.logMuItem,
		v.xiItem, v.nuItem, p.BetaShape, p.ZetaBetaShape, p.ZetaBetaRate)
	return elbo
}

// elboThetaTerms sums the likelihood terms: minus the inner product of the
// expected factor column sums, plus the per-edge contribution of the
// allocation totals computed in the same iteration.
func (v *VI) elboThetaTerms() float64 {
	k := len(v.chi)
	term1 := make([]float64, k)
	term2 := make([]float64, k)
	for u := range v.lambdaUser {
		for j := 0; j < k; j++ {
			term1[j] += v.lambdaUser[u][j] / v.muUser[u][j]
		}
	}
	for i := range v.lambdaItem {
		for j := 0; j < k; j++ {
			term2[j] += v.lambdaItem[i][j] / v.muItem[i][j]
		}
	}
	elbo := -floats.Dot(term1, term2)
	for _, pr := range v.poissonRate {
		if v.berPo {
			if pr.rate > maxExpArg {
				elbo += pr.rate
			} else {
				elbo += math.Log(math.Expm1(pr.rate))
			}
		} else {
			elbo += float64(pr.count) * math.Log(pr.rate)
		}
	}
	return elbo
}

// elboSideTerms sums the entropy and cross-entropy terms of one side's
// two-level Gamma hierarchy; user and item sides differ only in their
// parameters.
func elboSideTerms(lambda, digammaLambda, mu, logMu [][]float64, xi []float64,
	nu, shape, zetaShape, zetaRate float64) float64 {

	t := 0.0
	for i := range lambda {
		k := len(lambda[i])
		logXi := math.Log(xi[i])
		nuDXi := nu / xi[i]
		for j := 0; j < k; j++ {
			lg, _ := math.Lgamma(lambda[i][j])
			t += lg
			t -= lambda[i][j] * logMu[i][j]
			t += (shape - lambda[i][j]) * (digammaLambda[i][j] - logMu[i][j])
			t += lambda[i][j] * (1.0 - nuDXi/mu[i][j])
		}
		t -= float64(k) * shape * logXi
		t -= zetaShape * logXi
		t -= zetaRate * nuDXi
	}
	return t
}

func (v *VI) changeInELBO(oldELBO, newELBO float64) float64 {
	change := (newELBO - oldELBO) / math.Abs(oldELBO)
	if change < 0 {
		logger.Warn("ELBO is decreasing",
			zap.Float64("old", oldELBO), zap.Float64("new", newELBO))
	}
	return change
}

// updateUserParameters refreshes the user-side variational parameters from
// the allocation totals and the current item expectations: shapes absorb
// the accumulated evidence, rates combine the hyper-prior expectation
// nu/xi with the expected item factors, and xi is recomputed last from the
// fresh shape/rate pairs. The cached digammas and logs are refreshed in the
// same pass so they are never stale.
func (v *VI) updateUserParameters() {
	p := v.model.Priors
	k := len(v.chi)
	itemRates := make([]float64, k)
	for i := range v.lambdaItem {
		for j := 0; j < k; j++ {
			itemRates[j] += v.lambdaItem[i][j] / v.muItem[i][j]
		}
	}
	for u := range v.lambdaUser {
		hyper := v.nuUser / v.xiUser[u]
		xi := p.ZetaAlphaRate
		for j := 0; j < k; j++ {
			lam := p.AlphaShape + v.sumOverItems[u][j]
			v.lambdaUser[u][j] = lam
			v.digammaLambdaUser[u][j] = mathext.Digamma(lam)
			mu := hyper + itemRates[j]
			v.muUser[u][j] = mu
			v.logMuUser[u][j] = math.Log(mu)
			xi += lam / mu
		}
		v.xiUser[u] = xi
	}
}

// updateItemParameters mirrors updateUserParameters with the roles swapped;
// it reads the user parameters refreshed just before it in the same
// iteration.
func (v *VI) updateItemParameters() {
	p := v.model.Priors
	k := len(v.chi)
	userRates := make([]float64, k)
	for u := range v.lambdaUser {
		for j := 0; j < k; j++ {
			userRates[j] += v.lambdaUser[u][j] / v.muUser[u][j]
		}
	}
	for i := range v.lambdaItem {
		hyper := v.nuItem / v.xiItem[i]
		xi := p.ZetaBetaRate
		for j := 0; j < k; j++ {
			lam := p.BetaShape + v.sumOverUsers[i][j]
			v.lambdaItem[i][j] = lam
			v.digammaLambdaItem[i][j] = mathext.Digamma(lam)
			mu := hyper + userRates[j]
			v.muItem[i][j] = mu
			v.logMuItem[i][j] = math.Log(mu)
			xi += lam / mu
		}
		v.xiItem[i] = xi
	}
}

// writeBack sets the model's factor matrices to the posterior means
// lambda/mu. This is the engine's only externally visible mutation.
func (v *VI) writeBack() {
	k := v.model.LatentDimensions
	alpha := mat.NewDense(v.model.NUsers, k, nil)
	for u := range v.lambdaUser {
		for j := 0; j < k; j++ {
			alpha.Set(u, j, v.lambdaUser[u][j]/v.muUser[u][j])
		}
	}
	beta := mat.NewDense(v.model.NItems, k, nil)
	for i := range v.lambdaItem {
		for j := 0; j < k; j++ {
			beta.Set(i, j, v.lambdaItem[i][j]/v.muItem[i][j])
		}
	}
	v.model.Alpha = alpha
	v.model.Beta = beta
}

func constMatrix(r, c int, val float64) [][]float64 {
	m := make([][]float64, r)
	for i := range m {
		m[i] = make([]float64, c)
		for j := range m[i] {
			m[i][j] = val
		}
	}
	return m
}

func constVector(n int, val float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = val
	}
	return v
}

func zeroMatrix(m [][]float64) {
	for i := range m {
		for j := range m[i] {
			m[i][j] = 0
		}
	}
}
