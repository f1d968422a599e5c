package bio

import (
	"fmt"
	"strconv"
	"strings"
)

// DataType maps observed symbols to state codes. Codes below
// StateCount are unambiguous states, larger codes are ambiguity sets.
type DataType interface {
	// Name returns data type name.
	Name() string
	// StateCount returns the number of states.
	StateCount() int
	// Code returns the code of a symbol.
	Code(symbol string) (int, error)
	// Partial sets dst[s] to 1 for every state compatible with the
	// code and to 0 otherwise.
	Partial(code int, dst []float64)
	// IsAmbiguous tests if the code stands for more than one state.
	IsAmbiguous(code int) bool
}

// Nucleotide is the DNA data type with IUPAC ambiguity codes.
type Nucleotide struct{}

// nucleotide state bit masks: A=1, C=2, G=4, T=8
var nucMasks = []uint8{
	1, 2, 4, 8, // A C G T
	5, 10, 3, 12, 6, 9, // R Y M K S W
	11, 14, 7, 13, // H B V D
	15, // N - ?
}

var nucCodes = map[byte]int{
	'A': 0, 'C': 1, 'G': 2, 'T': 3, 'U': 3,
	'R': 4, 'Y': 5, 'M': 6, 'K': 7, 'S': 8, 'W': 9,
	'H': 10, 'B': 11, 'V': 12, 'D': 13,
	'N': 14, '-': 14, '?': 14,
}

// Name returns "nucleotide".
func (Nucleotide) Name() string {
	return "nucleotide"
}

// StateCount returns 4.
func (Nucleotide) StateCount() int {
	return 4
}

// Code returns the code of a single letter.
func (Nucleotide) Code(symbol string) (int, error) {
	if len(symbol) != 1 {
		return 0, fmt.Errorf("wrong nucleotide symbol %q", symbol)
	}
	c, ok := nucCodes[strings.ToUpper(symbol)[0]]
	if !ok {
		return 0, fmt.Errorf("unknown nucleotide symbol %q", symbol)
	}
	return c, nil
}

// Partial fills the state indicator vector.
func (Nucleotide) Partial(code int, dst []float64) {
	m := nucMasks[code]
	for s := 0; s < 4; s++ {
		if m&(1<<uint(s)) != 0 {
			dst[s] = 1
		} else {
			dst[s] = 0
		}
	}
}

// IsAmbiguous tests if the code is not one of ACGT.
func (Nucleotide) IsAmbiguous(code int) bool {
	return code >= 4
}

// Microsatellite is a repeat count data type with states Min..Max.
type Microsatellite struct {
	Min int
	Max int
}

// Name returns "microsatellite".
func (m Microsatellite) Name() string {
	return "microsatellite"
}

// StateCount returns Max-Min+1.
func (m Microsatellite) StateCount() int {
	return m.Max - m.Min + 1
}

// MissingCode is the code of an unknown repeat count.
func (m Microsatellite) MissingCode() int {
	return m.StateCount()
}

// Code converts a repeat count into a state code.
func (m Microsatellite) Code(symbol string) (int, error) {
	if symbol == "?" {
		return m.MissingCode(), nil
	}
	c, err := strconv.Atoi(symbol)
	if err != nil {
		return 0, err
	}
	return m.CountCode(c)
}

// CountCode converts a repeat count (-1 for missing) into a code.
func (m Microsatellite) CountCode(c int) (int, error) {
	if c < 0 {
		return m.MissingCode(), nil
	}
	if c < m.Min || c > m.Max {
		return 0, fmt.Errorf("repeat count %d outside of [%d, %d]", c, m.Min, m.Max)
	}
	return c - m.Min, nil
}

// Partial fills the state indicator vector.
func (m Microsatellite) Partial(code int, dst []float64) {
	for s := range dst {
		if code == m.MissingCode() || s == code {
			dst[s] = 1
		} else {
			dst[s] = 0
		}
	}
}

// IsAmbiguous is true only for missing data.
func (m Microsatellite) IsAmbiguous(code int) bool {
	return code >= m.StateCount()
}
