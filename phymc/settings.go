package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// settings stores a run configuration. It is read from a YAML file
// and then overridden by non-empty command-line flags.
type settings struct {
	Alignment string `yaml:"alignment"`
	Microsat  string `yaml:"microsat"`
	Traits    string `yaml:"traits"`
	Tree      string `yaml:"tree"`

	Model  string               `yaml:"model"`
	NCat   int                  `yaml:"ncat"`
	PInv   bool                 `yaml:"pinv"`
	Clock  string               `yaml:"clock"`
	RootMu float64              `yaml:"rootMu"`
	RootSD float64              `yaml:"rootSigma"`
	Fix    []string             `yaml:"fix"`
	Start  map[string][]float64 `yaml:"start"`

	Iterations int     `yaml:"iterations"`
	LogEvery   int     `yaml:"logEvery"`
	Report     int     `yaml:"report"`
	CheckEvery int     `yaml:"checkEvery"`
	Skip       int     `yaml:"skip"`
	MaxAdapt   int     `yaml:"maxAdapt"`
	Burnin     float64 `yaml:"burnin"`
	Optimizer  string  `yaml:"optimizer"`
	OptIter    int     `yaml:"optimizerIterations"`

	Backend string `yaml:"backend"`
	Scaling string `yaml:"scaling"`

	Checkpoint        string  `yaml:"checkpoint"`
	CheckpointSeconds float64 `yaml:"checkpointSeconds"`
	Resume            bool    `yaml:"resume"`

	Out      string `yaml:"out"`
	TreeOut  string `yaml:"treeOut"`
	Plot     string `yaml:"plot"`
	PlotFile string `yaml:"plotFile"`
	JSON     string `yaml:"json"`
}

// newSettings returns the default settings.
func newSettings() *settings {
	return &settings{
		Model:             "HKY",
		NCat:              1,
		Clock:             "strict",
		Iterations:        1000000,
		LogEvery:          1000,
		Report:            10000,
		Skip:              -1,
		MaxAdapt:          -1,
		Burnin:            0.1,
		Optimizer:         "none",
		OptIter:           1000,
		Backend:           "cpu",
		Scaling:           "dynamic",
		CheckpointSeconds: 60,
		PlotFile:          "trace.png",
		Start:             make(map[string][]float64),
	}
}

// readSettings reads YAML settings over the defaults.
func readSettings(fn string) (*settings, error) {
	s := newSettings()
	if fn == "" {
		return s, nil
	}
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	if s.Start == nil {
		s.Start = make(map[string][]float64)
	}
	return s, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// parseAssignment parses "id=v1,v2,...".
func parseAssignment(s string) (string, []float64, error) {
	id, vs, ok := strings.Cut(s, "=")
	if !ok || id == "" {
		return "", nil, fmt.Errorf("expected id=value, got %q", s)
	}
	var vals []float64
	for _, f := range strings.Split(vs, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", id, err)
		}
		vals = append(vals, v)
	}
	return id, vals, nil
}

// applyFlags overrides settings with the command-line flags which
// were set.
func (s *settings) applyFlags() error {
	setString(&s.Alignment, *alignmentF)
	setString(&s.Microsat, *microsatF)
	setString(&s.Traits, *traitsF)
	setString(&s.Tree, *treeF)

	setString(&s.Model, *modelName)
	setInt(&s.NCat, *ncat)
	s.PInv = s.PInv || *pinv
	setString(&s.Clock, *clockName)
	setFloat(&s.RootMu, *rootMu)
	setFloat(&s.RootSD, *rootSD)
	s.Fix = append(s.Fix, *fix...)
	for _, a := range *start {
		id, vals, err := parseAssignment(a)
		if err != nil {
			return err
		}
		s.Start[id] = vals
	}

	setInt(&s.Iterations, *iterations)
	setInt(&s.LogEvery, *logEvery)
	setInt(&s.Report, *report)
	setInt(&s.CheckEvery, *checkEvery)
	setInt(&s.Skip, *skip)
	setInt(&s.MaxAdapt, *maxAdapt)
	setFloat(&s.Burnin, *burnin)
	setString(&s.Optimizer, *optimizer)
	setInt(&s.OptIter, *optIter)

	setString(&s.Backend, *backendName)
	setString(&s.Scaling, *scaling)

	setString(&s.Checkpoint, *checkpointF)
	setFloat(&s.CheckpointSeconds, *checkpointSeconds)
	s.Resume = s.Resume || *resume

	setString(&s.Out, *outF)
	setString(&s.TreeOut, *outTreeF)
	setString(&s.Plot, *plotColumn)
	setString(&s.PlotFile, *plotF)
	setString(&s.JSON, *jsonF)
	return s.check()
}

// check validates the settings.
func (s *settings) check() error {
	if s.Tree == "" {
		return fmt.Errorf("no tree file given")
	}
	if s.Alignment == "" && s.Microsat == "" && s.Traits == "" {
		return fmt.Errorf("no data given (alignment, microsatellites or traits)")
	}
	if s.Iterations <= 0 {
		return fmt.Errorf("number of iterations should be positive")
	}
	if s.Burnin < 0 || s.Burnin >= 1 {
		return fmt.Errorf("burnin fraction should be in [0, 1)")
	}
	if s.RootSD < 0 {
		return fmt.Errorf("root calibration sigma should not be negative")
	}
	if s.Clock != "strict" && s.Clock != "relaxed" {
		return fmt.Errorf("unknown clock: %s", s.Clock)
	}
	if s.Skip < 0 {
		s.Skip = s.Iterations / 20
	}
	if s.MaxAdapt < 0 {
		s.MaxAdapt = s.Iterations / 5
	}
	return nil
}

// fixed tests if a parameter is fixed.
func (s *settings) fixed(id string) bool {
	for _, f := range s.Fix {
		if f == id {
			return true
		}
	}
	return false
}
