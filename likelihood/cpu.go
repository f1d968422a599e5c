package likelihood

import (
	"errors"
	"fmt"
	"math"
)

// CPU is the reference single threaded backend.
type CPU struct {
	nodeCount     int
	tipCount      int
	patternCount  int
	matrixCount   int
	stateCount    int
	categoryCount int
	scaling       ScalingPolicy

	tipStates   [][]int
	tipPartials [][]float64

	// partials and log scale factors of internal nodes, pIndex
	// selects the current buffer
	partials [][2][]float64
	scales   [][2][]float64
	pIndex   []int
	pTouched []bool
	pList    []int

	matrices [][2][]float64
	mIndex   []int
	mTouched []bool
	mList    []int

	weights    []float64
	freqs      []float64
	catWeights []float64
}

// NewCPU creates an uninitialized CPU backend.
func NewCPU() *CPU {
	return &CPU{scaling: ScaleDynamic}
}

// Initialize allocates all the buffers.
func (c *CPU) Initialize(nodeCount, tipCount, patternCount, matrixCount, stateCount, categoryCount int) error {
	if tipCount < 2 || nodeCount < tipCount || patternCount < 1 || matrixCount < 1 || stateCount < 2 || categoryCount < 1 {
		return fmt.Errorf("invalid backend dimensions: nodes=%d tips=%d patterns=%d matrices=%d states=%d categories=%d",
			nodeCount, tipCount, patternCount, matrixCount, stateCount, categoryCount)
	}
	c.nodeCount = nodeCount
	c.tipCount = tipCount
	c.patternCount = patternCount
	c.matrixCount = matrixCount
	c.stateCount = stateCount
	c.categoryCount = categoryCount

	c.tipStates = make([][]int, tipCount)
	c.tipPartials = make([][]float64, tipCount)

	psize := categoryCount * patternCount * stateCount
	c.partials = make([][2][]float64, nodeCount)
	c.scales = make([][2][]float64, nodeCount)
	for i := tipCount; i < nodeCount; i++ {
		c.partials[i] = [2][]float64{make([]float64, psize), make([]float64, psize)}
		c.scales[i] = [2][]float64{make([]float64, patternCount), make([]float64, patternCount)}
	}
	c.pIndex = make([]int, nodeCount)
	c.pTouched = make([]bool, nodeCount)
	c.pList = c.pList[:0]

	msize := categoryCount * stateCount * stateCount
	c.matrices = make([][2][]float64, matrixCount)
	for i := range c.matrices {
		c.matrices[i] = [2][]float64{make([]float64, msize), make([]float64, msize)}
	}
	c.mIndex = make([]int, matrixCount)
	c.mTouched = make([]bool, matrixCount)
	c.mList = c.mList[:0]

	c.weights = make([]float64, patternCount)
	for i := range c.weights {
		c.weights[i] = 1
	}
	c.freqs = make([]float64, stateCount)
	for i := range c.freqs {
		c.freqs[i] = 1 / float64(stateCount)
	}
	c.catWeights = make([]float64, categoryCount)
	for i := range c.catWeights {
		c.catWeights[i] = 1 / float64(categoryCount)
	}
	return nil
}

// SetScaling sets the rescaling policy.
func (c *CPU) SetScaling(s ScalingPolicy) {
	c.scaling = s
}

// SetTipStates sets tip states.
func (c *CPU) SetTipStates(tip int, states []int) error {
	if tip < 0 || tip >= c.tipCount {
		return fmt.Errorf("tip index %d out of range", tip)
	}
	if len(states) != c.patternCount {
		return fmt.Errorf("tip %d: expected %d states, got %d", tip, c.patternCount, len(states))
	}
	for _, s := range states {
		if s < 0 || s > c.stateCount {
			return fmt.Errorf("tip %d: invalid state %d", tip, s)
		}
	}
	c.tipStates[tip] = append([]int(nil), states...)
	c.tipPartials[tip] = nil
	return nil
}

// SetTipPartials sets tip partials.
func (c *CPU) SetTipPartials(tip int, partials []float64) error {
	if tip < 0 || tip >= c.tipCount {
		return fmt.Errorf("tip index %d out of range", tip)
	}
	if len(partials) != c.patternCount*c.stateCount {
		return fmt.Errorf("tip %d: expected %d partials, got %d", tip, c.patternCount*c.stateCount, len(partials))
	}
	c.tipPartials[tip] = append([]float64(nil), partials...)
	c.tipStates[tip] = nil
	return nil
}

// SetPatternWeights sets pattern weights.
func (c *CPU) SetPatternWeights(weights []float64) error {
	if len(weights) != c.patternCount {
		return errors.New("wrong number of pattern weights")
	}
	copy(c.weights, weights)
	return nil
}

// SetStateFrequencies sets root frequencies.
func (c *CPU) SetStateFrequencies(freqs []float64) error {
	if len(freqs) != c.stateCount {
		return errors.New("wrong number of state frequencies")
	}
	copy(c.freqs, freqs)
	return nil
}

// SetCategoryWeights sets category proportions.
func (c *CPU) SetCategoryWeights(weights []float64) error {
	if len(weights) != c.categoryCount {
		return errors.New("wrong number of category weights")
	}
	copy(c.catWeights, weights)
	return nil
}

// UpdateTransitionMatrices copies probs into the matrix buffer.
func (c *CPU) UpdateTransitionMatrices(matrix int, probs []float64) error {
	if matrix < 0 || matrix >= c.matrixCount {
		return fmt.Errorf("matrix index %d out of range", matrix)
	}
	if len(probs) != c.categoryCount*c.stateCount*c.stateCount {
		return fmt.Errorf("matrix %d: wrong size %d", matrix, len(probs))
	}
	if !c.mTouched[matrix] {
		c.mIndex[matrix] ^= 1
		c.mTouched[matrix] = true
		c.mList = append(c.mList, matrix)
	}
	copy(c.matrices[matrix][c.mIndex[matrix]], probs)
	return nil
}

// dest returns the buffers to write partials of node into.
func (c *CPU) dest(node int) ([]float64, []float64) {
	if !c.pTouched[node] {
		c.pIndex[node] ^= 1
		c.pTouched[node] = true
		c.pList = append(c.pList, node)
	}
	i := c.pIndex[node]
	return c.partials[node][i], c.scales[node][i]
}

func (c *CPU) check(op Operation) error {
	if op.Dest < c.tipCount || op.Dest >= c.nodeCount {
		return fmt.Errorf("operation destination %d is not an internal node", op.Dest)
	}
	for _, ch := range []int{op.Child1, op.Child2} {
		if ch < 0 || ch >= c.nodeCount || ch == op.Dest {
			return fmt.Errorf("invalid child %d of node %d", ch, op.Dest)
		}
		if ch < c.tipCount && c.tipStates[ch] == nil && c.tipPartials[ch] == nil {
			return fmt.Errorf("tip %d has no data", ch)
		}
	}
	for _, m := range []int{op.Matrix1, op.Matrix2} {
		if m < 0 || m >= c.matrixCount {
			return fmt.Errorf("matrix index %d out of range", m)
		}
	}
	return nil
}

// UpdatePartials performs peeling operations in order.
func (c *CPU) UpdatePartials(ops []Operation) error {
	for _, op := range ops {
		if err := c.check(op); err != nil {
			return err
		}
		dst, scale := c.dest(op.Dest)
		c.peel(op, dst, scale, 0, c.patternCount)
	}
	return nil
}

// peel computes partials of patterns [from, to) of op.Dest.
func (c *CPU) peel(op Operation, dst, scale []float64, from, to int) {
	n := c.stateCount
	nn := n * n
	m1 := c.matrices[op.Matrix1][c.mIndex[op.Matrix1]]
	m2 := c.matrices[op.Matrix2][c.mIndex[op.Matrix2]]
	for k := 0; k < c.categoryCount; k++ {
		p1 := m1[k*nn : (k+1)*nn]
		p2 := m2[k*nn : (k+1)*nn]
		for pat := from; pat < to; pat++ {
			off := (k*c.patternCount + pat) * n
			d := dst[off : off+n]
			c.child(op.Child1, p1, k, pat, d, false)
			c.child(op.Child2, p2, k, pat, d, true)
		}
	}
	for pat := from; pat < to; pat++ {
		scale[pat] = 0
		if c.scaling == ScaleNone {
			continue
		}
		max := 0.0
		for k := 0; k < c.categoryCount; k++ {
			off := (k*c.patternCount + pat) * n
			for _, v := range dst[off : off+n] {
				if v > max {
					max = v
				}
			}
		}
		if max <= 0 || (c.scaling == ScaleDynamic && max >= scalingThreshold) {
			continue
		}
		for k := 0; k < c.categoryCount; k++ {
			off := (k*c.patternCount + pat) * n
			for i := off; i < off+n; i++ {
				dst[i] /= max
			}
		}
		scale[pat] = math.Log(max)
	}
}

// child sets (or multiplies, if mul) d[i] by sum_j p[i][j]*partial[j].
func (c *CPU) child(node int, p []float64, k, pat int, d []float64, mul bool) {
	n := c.stateCount
	if node < c.tipCount && c.tipStates[node] != nil {
		s := c.tipStates[node][pat]
		for i := 0; i < n; i++ {
			v := 1.0
			if s < n {
				v = p[i*n+s]
			}
			if mul {
				d[i] *= v
			} else {
				d[i] = v
			}
		}
		return
	}
	var part []float64
	if node < c.tipCount {
		part = c.tipPartials[node][pat*n : (pat+1)*n]
	} else {
		off := (k*c.patternCount + pat) * n
		part = c.partials[node][c.pIndex[node]][off : off+n]
	}
	for i := 0; i < n; i++ {
		v := 0.0
		row := p[i*n : (i+1)*n]
		for j, pj := range part {
			v += row[j] * pj
		}
		if mul {
			d[i] *= v
		} else {
			d[i] = v
		}
	}
}

// CalculateLogLikelihood integrates partials at root over states and
// categories and adds back the log scale factors.
func (c *CPU) CalculateLogLikelihood(root int) (float64, error) {
	if root < c.tipCount || root >= c.nodeCount {
		return 0, fmt.Errorf("root %d is not an internal node", root)
	}
	n := c.stateCount
	part := c.partials[root][c.pIndex[root]]
	lnL := 0.0
	for pat := 0; pat < c.patternCount; pat++ {
		w := c.weights[pat]
		if w == 0 {
			continue
		}
		l := 0.0
		for k := 0; k < c.categoryCount; k++ {
			off := (k*c.patternCount + pat) * n
			s := 0.0
			for i, f := range c.freqs {
				s += f * part[off+i]
			}
			l += c.catWeights[k] * s
		}
		ls := math.Log(l)
		if c.scaling != ScaleNone {
			for node := c.tipCount; node < c.nodeCount; node++ {
				ls += c.scales[node][c.pIndex[node]][pat]
			}
		}
		lnL += w * ls
	}
	if math.IsNaN(lnL) {
		return lnL, ErrNumerical
	}
	return lnL, nil
}

// StoreState makes the current buffers the stored ones.
func (c *CPU) StoreState() {
	for _, i := range c.pList {
		c.pTouched[i] = false
	}
	c.pList = c.pList[:0]
	for _, i := range c.mList {
		c.mTouched[i] = false
	}
	c.mList = c.mList[:0]
}

// RestoreState switches every buffer written since StoreState back.
func (c *CPU) RestoreState() {
	for _, i := range c.pList {
		c.pIndex[i] ^= 1
		c.pTouched[i] = false
	}
	c.pList = c.pList[:0]
	for _, i := range c.mList {
		c.mIndex[i] ^= 1
		c.mTouched[i] = false
	}
	c.mList = c.mList[:0]
}
