package mcmc

import (
	"fmt"

	"bitbucket.org/Davydov/phymc/checkpoint"
	"bitbucket.org/Davydov/phymc/tree"
)

// state returns the checkpoint data of the current state.
func (c *Chain) state(final bool) (*checkpoint.CheckpointData, error) {
	data := &checkpoint.CheckpointData{
		RunID:        c.runID,
		Parameters:   make(map[string][]float64),
		Operators:    c.schedule.Tuning(),
		LogPosterior: c.LogPosterior(),
		Iter:         c.iter,
		Final:        final,
	}
	for _, p := range c.bus.Parameters() {
		data.Parameters[p.ID()] = p.Values()
	}
	if c.tree != nil {
		data.Tree = c.tree.Newick(-1)
		for _, n := range c.tree.Records() {
			data.Nodes = append(data.Nodes, checkpoint.TreeNode{
				Name:     n.Name,
				Parent:   n.Parent,
				Children: n.Children,
				Height:   n.Height,
			})
		}
	}
	rng, err := c.src.MarshalBinary()
	if err != nil {
		return nil, err
	}
	data.RNG = rng
	return data, nil
}

// SaveCheckpoint saves the current state if checkpointing is enabled.
func (c *Chain) SaveCheckpoint(final bool) error {
	if c.chk == nil {
		return nil
	}
	data, err := c.state(final)
	if err != nil {
		return err
	}
	log.Debugf("Saving checkpoint at iteration %d", c.iter)
	return c.chk.Save(data)
}

// Resume loads the saved state. It returns false if there is no
// checkpoint.
func (c *Chain) Resume() (bool, error) {
	if c.chk == nil {
		return false, nil
	}
	data, err := c.chk.GetParameters()
	if err != nil || data == nil {
		return false, err
	}
	if data.RunID != "" {
		c.runID = data.RunID
	}
	for id, vals := range data.Parameters {
		p := c.bus.Parameter(id)
		if p == nil {
			return false, fmt.Errorf("checkpoint parameter %s is not in the model", id)
		}
		if err := p.SetValues(vals); err != nil {
			return false, err
		}
	}
	if c.tree != nil {
		if err := c.resumeTree(data); err != nil {
			return false, fmt.Errorf("restoring tree: %w", err)
		}
	}
	c.schedule.SetTuning(data.Operators)
	if len(data.RNG) > 0 {
		if err := c.src.UnmarshalBinary(data.RNG); err != nil {
			return false, err
		}
	}
	// nothing to roll back to
	c.bus.AcceptState()
	c.bus.StoreState()
	c.iter = data.Iter
	if err := c.Start(); err != nil {
		return false, err
	}
	if d := c.LogPosterior() - data.LogPosterior; d > c.Tolerance || d < -c.Tolerance {
		log.Warningf("Resumed posterior %f differs from the saved %f", c.LogPosterior(), data.LogPosterior)
	}
	log.Noticef("Resumed run %s from iteration %d", c.runID, c.iter)
	return true, nil
}

// resumeTree restores the tree from the node records. Newick only
// checkpoints can be adopted, but then node-indexed parameters may
// not match their nodes.
func (c *Chain) resumeTree(data *checkpoint.CheckpointData) error {
	if len(data.Nodes) > 0 {
		records := make([]tree.Node, len(data.Nodes))
		for i, n := range data.Nodes {
			records[i] = tree.Node{
				Name:     n.Name,
				Parent:   n.Parent,
				Children: n.Children,
				Height:   n.Height,
			}
		}
		return c.tree.SetRecords(records)
	}
	if data.Tree == "" {
		return nil
	}
	log.Warning("Checkpoint has no tree node records, adopting the Newick tree")
	t, err := tree.ParseNewickString(data.Tree)
	if err != nil {
		return err
	}
	return c.tree.Adopt(t)
}

// RunID returns the run id.
func (c *Chain) RunID() string {
	return c.runID
}
