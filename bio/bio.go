// Package bio provides sequence readers, data types and compressed
// site patterns.
package bio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Sequence is a type which is intended for storing nucleotide
// sequence with it's name.
type Sequence struct {
	Name     string
	Sequence string
}

// Sequences stores multiple sequences. E.g. a sequence alignment.
type Sequences []Sequence

// ParseFasta parses FASTA sequences from a reader.
func ParseFasta(rd io.Reader) (seqs Sequences, err error) {
	seqs = make(Sequences, 0, 10)
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] == '>' {
			seq := Sequence{Name: strings.TrimSpace(line[1:])}
			seqs = append(seqs, seq)
		} else {
			if len(seqs) == 0 {
				return nil, errors.New("sequence w/o prefix")
			}
			line = strings.ToUpper(strings.Replace(line, " ", "", -1))
			seqs[len(seqs)-1].Sequence += line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return

}

// Length returns the alignment length. Sequences of different length
// are an error.
func (seqs Sequences) Length() (int, error) {
	if len(seqs) == 0 {
		return 0, errors.New("empty alignment")
	}
	l := len(seqs[0].Sequence)
	for _, s := range seqs[1:] {
		if len(s.Sequence) != l {
			return 0, fmt.Errorf("sequence %s has length %d, expected %d", s.Name, len(s.Sequence), l)
		}
	}
	return l, nil
}

// Wrap inputs a string and wraps it so string length is n characters
// or less.
func Wrap(seq string, n int) (s string) {
	for i := 0; i < len(seq); i += n {
		end := i + n
		if end > len(seq) {
			end = len(seq)
		}
		s += seq[i:end] + "\n"
	}
	return
}

// String returns a sequence in FASTA format.
func (seq Sequence) String() (s string) {
	s = ">" + seq.Name + "\n" + Wrap(seq.Sequence, 80)
	return
}

// Repeats is a set of microsatellite loci, one row of repeat counts
// per taxon. Missing values are -1.
type Repeats struct {
	Names  []string
	Counts [][]int
}

// ParseMicrosat reads tab or space separated lines "name count
// count ...". A question mark is a missing value.
func ParseMicrosat(rd io.Reader) (*Repeats, error) {
	r := &Repeats{}
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		counts := make([]int, len(fields)-1)
		for i, f := range fields[1:] {
			if f == "?" {
				counts[i] = -1
				continue
			}
			c, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("taxon %s: %w", fields[0], err)
			}
			counts[i] = c
		}
		if len(r.Counts) > 0 && len(counts) != len(r.Counts[0]) {
			return nil, fmt.Errorf("taxon %s has %d loci, expected %d", fields[0], len(counts), len(r.Counts[0]))
		}
		r.Names = append(r.Names, fields[0])
		r.Counts = append(r.Counts, counts)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(r.Names) == 0 {
		return nil, errors.New("no microsatellite data")
	}
	return r, nil
}
