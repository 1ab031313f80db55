package hpmf

import (
	"bufio"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func TestNewHPMFValidation(t *testing.T) {
	if _, err := NewHPMF(0, 10, 5, false, DefaultPriors()); !errors.Is(err, ErrInvalidArgument) {
		t.Error("zero users: err =", err)
	}
	if _, err := NewHPMF(10, 10, 0, false, DefaultPriors()); !errors.Is(err, ErrInvalidArgument) {
		t.Error("zero latent dimensions: err =", err)
	}
	badPriors := DefaultPriors()
	badPriors.ZetaAlphaRate = 0
	if _, err := NewHPMF(10, 10, 5, false, badPriors); !errors.Is(err, ErrInvalidArgument) {
		t.Error("non-positive prior: err =", err)
	}
	if _, err := NewHPMF(10, 10, 5, false, DefaultPriors()); err != nil {
		t.Error("valid arguments: err =", err)
	}
}

func TestPmfBeforeInference(t *testing.T) {
	m, _ := NewHPMF(2, 2, 1, false, DefaultPriors())
	if _, err := m.Pmf(0, 0, 1); !errors.Is(err, ErrUnsetParameter) {
		t.Error("err =", err)
	}
	if _, err := m.PmfMatrix(1); !errors.Is(err, ErrUnsetParameter) {
		t.Error("err =", err)
	}
}

func TestPmfPoisson(t *testing.T) {
	m, _ := NewHPMF(1, 1, 2, false, DefaultPriors())
	m.Alpha = mat.NewDense(1, 2, []float64{1, 2})
	m.Beta = mat.NewDense(1, 2, []float64{3, 4})
	rate := 1.0*3 + 2.0*4
	count := 2
	want := math.Exp(-rate) * math.Pow(rate, float64(count)) / 2.0
	got, err := m.Pmf(0, 0, count)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-want) > 1e-12 {
		t.Error("Pmf =", got, "want", want)
	}

	if _, err := m.Pmf(1, 0, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Error("out of range user: err =", err)
	}
	if _, err := m.Pmf(0, -1, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Error("out of range item: err =", err)
	}
}

func TestPmfBernoulliPoisson(t *testing.T) {
	m, _ := NewHPMF(1, 1, 1, true, DefaultPriors())
	m.Alpha = mat.NewDense(1, 1, []float64{0.5})
	m.Beta = mat.NewDense(1, 1, []float64{2.0})
	got, err := m.Pmf(0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := -math.Expm1(-1.0)
	if math.Abs(got-want) > 1e-15 {
		t.Error("Pmf =", got, "want", want)
	}
	if got <= 0 || got >= 1 {
		t.Error("Bernoulli-Poisson probability must lie in (0,1), got", got)
	}
}

func TestPmfMatrixMatchesPmf(t *testing.T) {
	m, _ := NewHPMF(2, 3, 2, false, DefaultPriors())
	m.Alpha = mat.NewDense(2, 2, []float64{1, 2, 0.5, 0.1})
	m.Beta = mat.NewDense(3, 2, []float64{3, 4, 0.2, 0.3, 1, 1})
	p, err := m.PmfMatrix(1)
	if err != nil {
		t.Fatal(err)
	}
	r, c := p.Dims()
	if r != 2 || c != 3 {
		t.Fatal("dims =", r, c)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			want, _ := m.Pmf(i, j, 1)
			if math.Abs(p.At(i, j)-want) > 1e-15 {
				t.Error("PmfMatrix(", i, j, ") =", p.At(i, j), "want", want)
			}
		}
	}
}

func TestSimulateParameters(t *testing.T) {
	m, _ := NewHPMF(7, 4, 3, false, DefaultPriors())
	m.SimulateParameters(rand.New(rand.NewSource(1)))
	r, c := m.Alpha.Dims()
	if r != 7 || c != 3 {
		t.Fatal("Alpha dims =", r, c)
	}
	r, c = m.Beta.Dims()
	if r != 4 || c != 3 {
		t.Fatal("Beta dims =", r, c)
	}
	for i := 0; i < 7; i++ {
		if m.ZetaAlpha[i] <= 0 {
			t.Error("ZetaAlpha[", i, "] =", m.ZetaAlpha[i])
		}
		for j := 0; j < 3; j++ {
			if m.Alpha.At(i, j) <= 0 {
				t.Error("Alpha(", i, j, ") =", m.Alpha.At(i, j))
			}
		}
	}

	other, _ := NewHPMF(7, 4, 3, false, DefaultPriors())
	other.SimulateParameters(rand.New(rand.NewSource(1)))
	if !mat.Equal(m.Alpha, other.Alpha) || !mat.Equal(m.Beta, other.Beta) {
		t.Error("identical seeds must reproduce identical draws")
	}
}

func TestSimulateCountsBernoulliPoisson(t *testing.T) {
	m, _ := NewHPMF(6, 6, 2, true, DefaultPriors())
	counts := m.SimulateCounts(rand.New(rand.NewSource(3)))
	r, c := counts.Dims()
	if r != 6 || c != 6 {
		t.Fatal("dims =", r, c)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := counts.At(i, j); v != 0 && v != 1 {
				t.Error("count(", i, j, ") =", v, "want 0/1 indicator")
			}
		}
	}
}

func readFactorTable(t *testing.T, path string) ([]string, [][]float64) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var labels []string
	var rows [][]float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ",")
		labels = append(labels, fields[0])
		row := make([]float64, 0, len(fields)-1)
		for _, fv := range fields[1:] {
			v, err := strconv.ParseFloat(fv, 64)
			if err != nil {
				t.Fatal(err)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	return labels, rows
}

func TestWriteStateRoundTrip(t *testing.T) {
	m, _ := NewHPMF(3, 2, 2, false, DefaultPriors())
	m.SimulateParameters(rand.New(rand.NewSource(5)))
	dir := t.TempDir()
	if err := m.WriteState(dir, []string{"ann", "bob", "cat"}, nil); err != nil {
		t.Fatal(err)
	}

	labels, rows := readFactorTable(t, filepath.Join(dir, "alpha.txt"))
	if len(labels) != 3 || labels[0] != "ann" || labels[2] != "cat" {
		t.Error("labels =", labels)
	}
	for i, row := range rows {
		for j, v := range row {
			if v != m.Alpha.At(i, j) {
				t.Error("alpha(", i, j, ") round-tripped to", v, "want", m.Alpha.At(i, j))
			}
		}
	}

	// Item labels were nil, so integer identifiers are used.
	labels, rows = readFactorTable(t, filepath.Join(dir, "beta.txt"))
	if len(labels) != 2 || labels[0] != "0" || labels[1] != "1" {
		t.Error("labels =", labels)
	}
	if len(rows[0]) != 2 {
		t.Error("beta should have 2 factors per row, got", len(rows[0]))
	}
}

func TestWriteStateSkipsUnsetParameters(t *testing.T) {
	m, _ := NewHPMF(3, 2, 2, false, DefaultPriors())
	dir := t.TempDir()
	if err := m.WriteState(dir, nil, nil); err != nil {
		t.Fatal("unset factors must be a warning, not an error:", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alpha.txt")); !os.IsNotExist(err) {
		t.Error("alpha.txt should not have been written")
	}
	if _, err := os.Stat(filepath.Join(dir, "beta.txt")); !os.IsNotExist(err) {
		t.Error("beta.txt should not have been written")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, _ := NewHPMF(4, 3, 2, true, DefaultPriors())
	m.SimulateParameters(rand.New(rand.NewSource(9)))
	path := filepath.Join(t.TempDir(), "model.json")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadHPMF(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.NUsers != 4 || loaded.NItems != 3 || loaded.LatentDimensions != 2 || !loaded.BerPo {
		t.Error("loaded model shape mismatch")
	}
	if loaded.Priors != m.Priors {
		t.Error("loaded priors =", loaded.Priors)
	}
	if !mat.Equal(loaded.Alpha, m.Alpha) || !mat.Equal(loaded.Beta, m.Beta) {
		t.Error("loaded factors differ from saved factors")
	}
}
