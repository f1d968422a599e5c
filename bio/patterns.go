package bio

import (
	"fmt"
	"strconv"
	"strings"
)

// Patterns is an alignment compressed into unique columns with
// weights. It is immutable once created.
type Patterns struct {
	dt      DataType
	taxa    []string
	codes   [][]int
	weights []float64
}

// NewPatterns compresses columns (column x taxon codes) into
// patterns. Pattern order follows the first occurrence.
func NewPatterns(dt DataType, taxa []string, columns [][]int) *Patterns {
	p := &Patterns{dt: dt, taxa: append([]string(nil), taxa...)}
	index := make(map[string]int, len(columns))
	var sb strings.Builder
	for _, col := range columns {
		sb.Reset()
		for _, c := range col {
			sb.WriteString(strconv.Itoa(c))
			sb.WriteByte(',')
		}
		key := sb.String()
		if i, ok := index[key]; ok {
			p.weights[i]++
			continue
		}
		index[key] = len(p.codes)
		p.codes = append(p.codes, append([]int(nil), col...))
		p.weights = append(p.weights, 1)
	}
	return p
}

// FromSequences builds patterns from an alignment.
func FromSequences(seqs Sequences, dt DataType) (*Patterns, error) {
	l, err := seqs.Length()
	if err != nil {
		return nil, err
	}
	taxa := make([]string, len(seqs))
	for i, s := range seqs {
		taxa[i] = s.Name
	}
	columns := make([][]int, l)
	for pos := 0; pos < l; pos++ {
		columns[pos] = make([]int, len(seqs))
		for i, s := range seqs {
			c, err := dt.Code(s.Sequence[pos : pos+1])
			if err != nil {
				return nil, fmt.Errorf("sequence %s position %d: %w", s.Name, pos+1, err)
			}
			columns[pos][i] = c
		}
	}
	return NewPatterns(dt, taxa, columns), nil
}

// FromRepeats builds patterns from microsatellite loci, every locus
// is a column.
func FromRepeats(r *Repeats, dt Microsatellite) (*Patterns, error) {
	nloci := len(r.Counts[0])
	columns := make([][]int, nloci)
	for l := 0; l < nloci; l++ {
		columns[l] = make([]int, len(r.Names))
		for i := range r.Names {
			c, err := dt.CountCode(r.Counts[i][l])
			if err != nil {
				return nil, fmt.Errorf("taxon %s locus %d: %w", r.Names[i], l+1, err)
			}
			columns[l][i] = c
		}
	}
	return NewPatterns(dt, r.Names, columns), nil
}

// DataType returns the data type.
func (p *Patterns) DataType() DataType {
	return p.dt
}

// PatternCount returns the number of unique patterns.
func (p *Patterns) PatternCount() int {
	return len(p.codes)
}

// TaxonCount returns the number of taxa.
func (p *Patterns) TaxonCount() int {
	return len(p.taxa)
}

// Taxa returns taxon names.
func (p *Patterns) Taxa() []string {
	return append([]string(nil), p.taxa...)
}

// TaxonIndex returns index of a taxon or -1.
func (p *Patterns) TaxonIndex(name string) int {
	for i, t := range p.taxa {
		if t == name {
			return i
		}
	}
	return -1
}

// State returns the code of a taxon in a pattern.
func (p *Patterns) State(pattern, taxon int) int {
	return p.codes[pattern][taxon]
}

// Weight returns the number of columns collapsed into a pattern.
func (p *Patterns) Weight(pattern int) float64 {
	return p.weights[pattern]
}

// Weights returns a copy of all the weights.
func (p *Patterns) Weights() []float64 {
	return append([]float64(nil), p.weights...)
}

// SiteCount returns the number of alignment columns.
func (p *Patterns) SiteCount() (n int) {
	for _, w := range p.weights {
		n += int(w)
	}
	return
}
