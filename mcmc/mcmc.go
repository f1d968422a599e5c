// Package mcmc implements the Metropolis-Hastings chain driving
// operators, likelihoods and priors.
package mcmc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/phymc/checkpoint"
	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/operator"
	"bitbucket.org/Davydov/phymc/prior"
	"bitbucket.org/Davydov/phymc/tree"
)

// log is the global logging variable.
var log = logging.MustGetLogger("mcmc")

// ErrInconsistent is returned when the cached posterior differs from
// a full recomputation. It means that some model does not propagate
// changes or does not restore its state.
var ErrInconsistent = errors.New("cached and recomputed posterior differ")

// ErrZeroPosterior is returned if the starting state is impossible.
var ErrZeroPosterior = errors.New("starting state has zero posterior probability")

// Likelihood is a cached log-likelihood.
type Likelihood interface {
	LogLikelihood() (float64, error)
	Recompute() (float64, error)
}

// Logger is pulled by the chain every LogEvery iterations.
type Logger interface {
	Header() error
	Log(iter int) error
}

// Chain is a Metropolis-Hastings Markov chain.
type Chain struct {
	bus      *model.Bus
	liks     []Likelihood
	prior    prior.Prior
	schedule *operator.Schedule
	src      *rand.PCG
	rng      *rand.Rand

	// LogEvery is the logging period.
	LogEvery int
	// ReportEvery is the progress report period.
	ReportEvery int
	// CheckEvery is the period of full recomputation checks, 0
	// disables them.
	CheckEvery int
	// Tolerance is the maximum allowed difference between cached
	// and recomputed posterior.
	Tolerance float64

	loggers []Logger
	chk     *checkpoint.CheckpointIO
	runID   string
	tree    *tree.Tree

	iter    int
	logL    float64
	logP    float64
	started bool
}

// NewChain creates a chain. Every likelihood has to be registered on
// the bus.
func NewChain(bus *model.Bus, schedule *operator.Schedule, pr prior.Prior, seed uint64, liks ...Likelihood) *Chain {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	if pr == nil {
		pr = prior.Sum{}
	}
	return &Chain{
		bus:         bus,
		liks:        liks,
		prior:       pr,
		schedule:    schedule,
		src:         src,
		rng:         rand.New(src),
		LogEvery:    1000,
		ReportEvery: 10000,
		Tolerance:   1e-6,
	}
}

// AddLogger adds a logger.
func (c *Chain) AddLogger(l Logger) {
	c.loggers = append(c.loggers, l)
}

// SetCheckpoint enables checkpointing. The tree (if not nil) is
// saved together with the parameters.
func (c *Chain) SetCheckpoint(chk *checkpoint.CheckpointIO, runID string, t *tree.Tree) {
	c.chk = chk
	c.runID = runID
	c.tree = t
}

// Iter returns the number of finished iterations.
func (c *Chain) Iter() int {
	return c.iter
}

// LogLikelihood returns the log-likelihood of the current state.
func (c *Chain) LogLikelihood() float64 {
	return c.logL
}

// LogPrior returns the log prior of the current state.
func (c *Chain) LogPrior() float64 {
	return c.logP
}

// LogPosterior returns the unnormalized log posterior of the current
// state.
func (c *Chain) LogPosterior() float64 {
	return c.logL + c.logP
}

// evaluate computes the posterior of the current state. The
// likelihood is not computed if the prior is zero.
func (c *Chain) evaluate() (logL, logP float64, err error) {
	logP = c.prior.LogPrior()
	if math.IsInf(logP, -1) {
		return math.Inf(-1), logP, nil
	}
	for _, l := range c.liks {
		v, err := l.LogLikelihood()
		if err != nil {
			return 0, 0, err
		}
		logL += v
	}
	if math.IsNaN(logL) || math.IsNaN(logP) {
		return 0, 0, fmt.Errorf("posterior is NaN (lnL=%v, lnP=%v)", logL, logP)
	}
	return logL, logP, nil
}

// Evaluate computes the posterior of the current state without
// changing the chain. It is used by optimizers searching for a
// starting point.
func (c *Chain) Evaluate() (float64, error) {
	logL, logP, err := c.evaluate()
	if err != nil {
		return 0, err
	}
	return logL + logP, nil
}

// Start evaluates the starting state.
func (c *Chain) Start() error {
	logL, logP, err := c.evaluate()
	if err != nil {
		return err
	}
	if math.IsInf(logL+logP, -1) {
		return ErrZeroPosterior
	}
	c.logL, c.logP = logL, logP
	c.started = true
	log.Infof("Starting lnL=%f, lnP=%f", logL, logP)
	return nil
}

// Step performs a single iteration. Rejected and failed proposals
// are not errors.
func (c *Chain) Step() {
	i := c.schedule.Select(c.rng)
	op := c.schedule.Operator(i)
	rec := c.schedule.Record(i)
	start := time.Now()
	defer func() {
		rec.EvalTime += time.Since(start)
	}()

	c.bus.StoreState()
	hr, err := op.Propose(c.rng)
	if err != nil {
		c.bus.RestoreState()
		rec.Invalid++
		c.schedule.Update(i, false, c.iter)
		log.Debugf("%d: rejected: %v", c.iter, err)
		return
	}

	logL, logP, err := c.evaluate()
	if err != nil {
		c.bus.RestoreState()
		rec.Failed++
		c.schedule.Update(i, false, c.iter)
		log.Warningf("%d: %s: evaluation failed: %v", c.iter, op.Name(), err)
		return
	}

	accept := false
	if g, ok := op.(operator.Gibbs); ok && g.IsGibbs() {
		accept = true
	} else if !math.IsInf(logL+logP, -1) {
		a := logL + logP - c.logL - c.logP + hr
		accept = a >= 0 || math.Log(c.rng.Float64()) < a
	}

	if accept {
		c.bus.AcceptState()
		c.logL, c.logP = logL, logP
	} else {
		c.bus.RestoreState()
	}
	c.schedule.Update(i, accept, c.iter)
}

// Check recomputes every likelihood from scratch and compares the
// result with the cached posterior.
func (c *Chain) Check() error {
	logL := 0.0
	for _, l := range c.liks {
		v, err := l.Recompute()
		if err != nil {
			return err
		}
		logL += v
	}
	logP := c.prior.LogPrior()
	if d := math.Abs(logL + logP - c.logL - c.logP); d > c.Tolerance || math.IsNaN(d) {
		return fmt.Errorf("%w: iteration %d, cached lnL=%v lnP=%v, recomputed lnL=%v lnP=%v",
			ErrInconsistent, c.iter, c.logL, c.logP, logL, logP)
	}
	return nil
}

func (c *Chain) writeLogs() error {
	for _, l := range c.loggers {
		if err := l.Log(c.iter); err != nil {
			return err
		}
	}
	return nil
}

// Run runs the chain until iterations are finished or the context is
// cancelled. The context is checked between iterations only.
func (c *Chain) Run(ctx context.Context, iterations int) error {
	if !c.started {
		if err := c.Start(); err != nil {
			return err
		}
	}
	if c.iter == 0 {
		for _, l := range c.loggers {
			if err := l.Header(); err != nil {
				return err
			}
		}
		if err := c.writeLogs(); err != nil {
			return err
		}
	}
	if c.chk != nil {
		c.chk.SetNow()
	}

	lastAccepted := c.accepted()
	for c.iter < iterations {
		if err := ctx.Err(); err != nil {
			log.Warningf("Interrupted at iteration %d: %v", c.iter, err)
			if err := c.SaveCheckpoint(false); err != nil {
				return err
			}
			return err
		}
		c.Step()
		c.iter++

		if c.LogEvery > 0 && c.iter%c.LogEvery == 0 {
			if err := c.writeLogs(); err != nil {
				return err
			}
		}
		if c.CheckEvery > 0 && c.iter%c.CheckEvery == 0 {
			if err := c.Check(); err != nil {
				return err
			}
		}
		if c.ReportEvery > 0 && c.iter%c.ReportEvery == 0 {
			acc := c.accepted()
			log.Infof("%d: lnL=%f, lnP=%f, acceptance rate %.2f%%", c.iter, c.logL, c.logP,
				100*float64(acc-lastAccepted)/float64(c.ReportEvery))
			lastAccepted = acc
		}
		if c.chk != nil && c.chk.Old() {
			if err := c.SaveCheckpoint(false); err != nil {
				return err
			}
		}
	}
	log.Noticef("Finished %d iterations, lnL=%f, lnP=%f", c.iter, c.logL, c.logP)
	c.schedule.LogSummary()
	return c.SaveCheckpoint(true)
}

func (c *Chain) accepted() (n int) {
	for i := 0; i < c.schedule.Len(); i++ {
		n += c.schedule.Record(i).Accepted
	}
	return
}
