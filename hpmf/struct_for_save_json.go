package hpmf

import (
	"encoding/json"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// hpmfJSON mirrors HPMF with JSON-friendly fields for checkpointing.
type hpmfJSON struct {
	NUsers           int
	NItems           int
	LatentDimensions int
	BerPo            bool
	Priors           Priors
	Alpha            [][]float64 `json:",omitempty"`
	Beta             [][]float64 `json:",omitempty"`
	ZetaAlpha        []float64   `json:",omitempty"`
	ZetaBeta         []float64   `json:",omitempty"`
}

func denseToRows(d *mat.Dense) [][]float64 {
	if d == nil {
		return nil
	}
	r, c := d.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		copy(rows[i], d.RawRowView(i))
	}
	return rows
}

func rowsToDense(rows [][]float64) *mat.Dense {
	if rows == nil {
		return nil
	}
	r, c := len(rows), len(rows[0])
	d := mat.NewDense(r, c, nil)
	for i := range rows {
		d.SetRow(i, rows[i])
	}
	return d
}

// Save writes the model, including any fitted latent parameters, to a JSON
// checkpoint.
func (m *HPMF) Save(path string) error {
	s := hpmfJSON{
		NUsers:           m.NUsers,
		NItems:           m.NItems,
		LatentDimensions: m.LatentDimensions,
		BerPo:            m.BerPo,
		Priors:           m.Priors,
		Alpha:            denseToRows(m.Alpha),
		Beta:             denseToRows(m.Beta),
		ZetaAlpha:        m.ZetaAlpha,
		ZetaBeta:         m.ZetaBeta,
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("save model error: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("save model error: %w", err)
	}
	return nil
}

// LoadHPMF reads a model checkpoint written by Save.
func LoadHPMF(path string) (*HPMF, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load model error: %w", err)
	}
	var s hpmfJSON
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("load model error: %w", err)
	}
	m, err := NewHPMF(s.NUsers, s.NItems, s.LatentDimensions, s.BerPo, s.Priors)
	if err != nil {
		return nil, fmt.Errorf("load model error: %w", err)
	}
	m.Alpha = rowsToDense(s.Alpha)
	m.Beta = rowsToDense(s.Beta)
	m.ZetaAlpha = s.ZetaAlpha
	m.ZetaBeta = s.ZetaBeta
	return m, nil
}
