/*

Phymc is a Bayesian phylogenetic sampler. It samples time trees,
substitution model parameters, clock rates and continuous trait
evolution parameters with Metropolis-Hastings MCMC.

The basic usage of phymc looks like this:

	phymc --alignment alignment.fst --tree tree.nwk

, this will run the HKY model with a strict clock and a Yule tree
prior.

Microsatellites and continuous traits can be added as additional
partitions sharing the tree:

	phymc --alignment ali.fst --microsat loci.txt --traits traits.txt --tree tree.nwk

All the settings can also be read from a YAML file (-c); command-line
flags override it. To see all the options run:

	phymc -h

*/
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/op/go-logging"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/alecthomas/kingpin.v2"

	"bitbucket.org/Davydov/phymc/checkpoint"
	"bitbucket.org/Davydov/phymc/likelihood"
	"bitbucket.org/Davydov/phymc/mcmc"
	"bitbucket.org/Davydov/phymc/operator"
	"bitbucket.org/Davydov/phymc/optimize"
	"bitbucket.org/Davydov/phymc/trace"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("phymc")
var formatter = logging.MustStringFormatter(`%{message}`)

// modules are the packages which get the log level.
var modules = []string{"phymc", "mcmc", "optimize", "likelihood", "operator",
	"checkpoint", "trace", "tree", "model", "smodel", "sitemodel", "prior", "trait"}

// checkpointKey is the checkpoint key in the database.
var checkpointKey = []byte("phymc")

// command-line options
var (
	// application
	app = kingpin.New("phymc", "Bayesian phylogenetic MCMC sampler").Version(version)

	configF = app.Flag("config", "YAML run configuration").Short('c').ExistingFile()

	// input
	alignmentF = app.Flag("alignment", "nucleotide alignment (FASTA)").String()
	microsatF  = app.Flag("microsat", "microsatellite repeat counts").String()
	traitsF    = app.Flag("traits", "continuous traits").String()
	treeF      = app.Flag("tree", "starting time tree (Newick)").String()

	// model
	modelName = app.Flag("model", "nucleotide substitution model (JC, HKY or GTR)").String()
	ncat      = app.Flag("ncat", "number of gamma rate categories").Int()
	pinv      = app.Flag("pinv", "estimate proportion of invariant sites").Bool()
	clockName = app.Flag("clock", "clock model (strict or relaxed)").String()
	rootMu    = app.Flag("rootmu", "log-normal root calibration mean (log scale)").Float64()
	rootSD    = app.Flag("rootsigma", "log-normal root calibration sigma, 0 disables calibration").Float64()
	fix       = app.Flag("fix", "fix parameter (or tree) with the id").Strings()
	start     = app.Flag("set", "starting value, id=v1,v2,...").Strings()

	// sampler
	iterations = app.Flag("iter", "number of iterations").Int()
	logEvery   = app.Flag("logevery", "write trace every N iterations").Int()
	report     = app.Flag("report", "report progress every N iterations").Int()
	checkEvery = app.Flag("checkevery", "recompute posterior from scratch every N iterations").Int()
	skip       = app.Flag("skip", "number of iterations to skip before adaptation (5% by default)").Int()
	maxAdapt   = app.Flag("maxadapt", "stop adapting after iteration (20% by default)").Int()
	burnin     = app.Flag("burnin", "burnin fraction for the summary").Float64()
	optimizer  = app.Flag("optimizer", "starting point optimization (none or lbfgsb)").String()
	optIter    = app.Flag("optiter", "maximum number of optimizer iterations").Int()

	// technical
	backendName = app.Flag("backend", fmt.Sprintf("likelihood backend %v", likelihood.Backends())).String()
	scaling     = app.Flag("scaling", "partials scaling (none, dynamic or always)").String()
	nThreads    = app.Flag("nt", "number of threads to use").Int()
	seed        = app.Flag("seed", "random generator seed, default time based").Default("-1").Int64()
	cpuProfile  = app.Flag("cpuprofile", "write cpu profile to file").String()

	checkpointF       = app.Flag("checkpoint", "checkpoint database").String()
	checkpointSeconds = app.Flag("checkpointsec", "save checkpoint every N seconds").Float64()
	resume            = app.Flag("resume", "resume from the checkpoint").Bool()

	// output
	outLogF    = app.Flag("log", "write log to a file").String()
	outF       = app.Flag("out", "write trace to a file").String()
	outTreeF   = app.Flag("treeout", "write sampled trees to a file").String()
	plotColumn = app.Flag("plot", "plot the trace column").String()
	plotF      = app.Flag("plotfile", "plot file name").String()
	logLevel   = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json output to a file").String()
)

// openOut opens an output file, appending if the run is resumed.
func openOut(fn string, resumed bool) (*os.File, error) {
	if resumed {
		return os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	}
	return os.Create(fn)
}

func run(ctx context.Context, s *settings, seed int64) (*RunSummary, error) {
	startTime := time.Now()
	st, err := newSetup(s)
	if err != nil {
		return nil, err
	}
	summary := &RunSummary{StartingTree: st.tree.String()}

	as := operator.NewAdaptiveSettings()
	as.Skip = s.Skip
	as.MaxAdapt = s.MaxAdapt
	log.Infof("Setting adaptive parameters, skip=%v, maxAdapt=%v", as.Skip, as.MaxAdapt)
	sched := operator.NewSchedule(as, st.ops...)
	log.Infof("Model has %d operators", sched.Len())

	chain := mcmc.NewChain(st.bus, sched, st.priors, uint64(seed), st.likelihoods()...)
	chain.LogEvery = s.LogEvery
	chain.ReportEvery = s.Report
	chain.CheckEvery = s.CheckEvery

	resumed := false
	if s.Checkpoint != "" {
		db, err := bolt.Open(s.Checkpoint, 0666, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("opening checkpoint database: %w", err)
		}
		defer db.Close()
		chk := checkpoint.NewCheckpointIO(db, checkpointKey, s.CheckpointSeconds)
		chain.SetCheckpoint(chk, checkpoint.NewRunID(), st.tree)
		if s.Resume {
			if resumed, err = chain.Resume(); err != nil {
				return nil, fmt.Errorf("resuming: %w", err)
			}
			if !resumed {
				log.Warning("No checkpoint found, starting a new run")
			}
		}
	}

	if !resumed {
		opt, err := optimize.New(s.Optimizer, chain.Evaluate, st.optimized...)
		if err != nil {
			return nil, err
		}
		log.Infof("Using %s optimization", s.Optimizer)
		if summary.MaxLnP, err = opt.Run(ctx, s.OptIter); err != nil {
			return nil, err
		}
	}

	f := os.Stdout
	if s.Out != "" {
		if f, err = openOut(s.Out, resumed); err != nil {
			return nil, fmt.Errorf("creating trace file: %w", err)
		}
		defer f.Close()
	}
	chain.AddLogger(trace.NewLogger(f, st.columns(chain)...))
	if s.TreeOut != "" {
		tf, err := openOut(s.TreeOut, resumed)
		if err != nil {
			return nil, fmt.Errorf("creating tree file: %w", err)
		}
		defer tf.Close()
		chain.AddLogger(trace.NewTreeLogger(tf, st.tree))
	}

	err = chain.Run(ctx, s.Iterations)
	if errors.Is(err, context.Canceled) {
		log.Warning("Run was interrupted, the summary is partial")
	} else if err != nil {
		return nil, err
	}

	summary.RunID = chain.RunID()
	summary.Iterations = chain.Iter()
	summary.LogPosterior = chain.LogPosterior()
	summary.FinalTree = st.tree.String()
	summary.Operators = sched.Summary()
	log.Noticef("outtree=%s", st.tree)

	if s.Out != "" {
		if err := summarize(s, summary); err != nil {
			log.Error("Error summarizing the trace:", err)
		}
	}

	deltaT := time.Since(startTime)
	log.Noticef("Running time: %v", deltaT)
	summary.Time = deltaT.Seconds()
	return summary, nil
}

// summarize reads the trace back, computes the column summaries and
// plots a column if requested.
func summarize(s *settings, summary *RunSummary) error {
	f, err := os.Open(s.Out)
	if err != nil {
		return err
	}
	defer f.Close()
	tr, err := trace.ReadTrace(f)
	if err != nil {
		return err
	}
	tr = tr.Burnin(s.Burnin)
	summary.Columns = trace.Summarize(tr)
	trace.LogSummary(summary.Columns)
	if s.Plot != "" {
		if err := trace.Plot(tr, s.Plot, s.PlotFile); err != nil {
			return err
		}
		log.Infof("Saved %s plot to %s", s.Plot, s.PlotFile)
	}
	return nil
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	// logging
	logging.SetFormatter(formatter)

	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		defer f.Close()
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, m := range modules {
		logging.SetLevel(level, m)
	}

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	s, err := readSettings(*configF)
	if err != nil {
		log.Fatal(err)
	}
	if err := s.applyFlags(); err != nil {
		log.Fatal(err)
	}

	if *seed == -1 {
		*seed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)

	runtime.GOMAXPROCS(*nThreads)
	effectiveNThreads := runtime.GOMAXPROCS(0)
	log.Infof("Using threads: %d.", effectiveNThreads)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, s, *seed)
	if err != nil {
		log.Fatal(err)
	}
	summary.NThreads = effectiveNThreads
	summary.Version = version
	summary.CommandLine = os.Args
	summary.Seed = *seed

	// output summary in json format
	if s.JSON != "" {
		if err := summary.write(s.JSON); err != nil {
			log.Error("Error writing json output:", err)
		}
	}
}
