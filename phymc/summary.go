package main

import (
	"encoding/json"
	"os"

	"bitbucket.org/Davydov/phymc/trace"
)

// RunSummary is the JSON summary of a run.
type RunSummary struct {
	// Version stores phymc version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Seed is the seed used for random number generation initialization.
	Seed int64 `json:"seed"`
	// NThreads is the number of processes used.
	NThreads int `json:"nThreads"`
	// RunID identifies the run in checkpoints.
	RunID string `json:"runID"`
	// Iterations is the number of finished iterations.
	Iterations int `json:"iterations"`
	// StartingTree is the tree read from the file.
	StartingTree string `json:"startingTree"`
	// FinalTree is the tree in the last state.
	FinalTree string `json:"finalTree"`
	// MaxLnP is the optimized starting posterior.
	MaxLnP float64 `json:"maxLnP,omitempty"`
	// LogPosterior is the posterior of the last state.
	LogPosterior float64 `json:"logPosterior"`
	// Operators are operator statistics.
	Operators []string `json:"operators"`
	// Columns are the trace column summaries after burnin.
	Columns []trace.ColumnSummary `json:"columns,omitempty"`
	// Time is the computations time in seconds.
	Time float64 `json:"time"`
}

// write saves the summary to a file.
func (s *RunSummary) write(fn string) error {
	j, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	log.Debug(string(j))
	return os.WriteFile(fn, j, 0666)
}
