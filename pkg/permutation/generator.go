// Package permutation generates the relabellings used to build a permutation
// null distribution, restricted to what the experimental design allows to be
// exchanged.
//
// A Generator moves through Uninitialized -> Configured -> Generating ->
// Exhausted. The first vector it issues is always the identity, so the
// observed arrangement is part of its own null distribution.
package permutation

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/combin"
)

// Mode selects what is exchanged under the null hypothesis
type Mode int

const (
	// FirstLevelTimePermutation permutes timepoints (of whitened innovations)
	FirstLevelTimePermutation Mode = iota
	// SecondLevelSignFlip flips the sign of each subject (one-sample test)
	SecondLevelSignFlip
	// SecondLevelGroupPermutation permutes group labels (two-sample test)
	SecondLevelGroupPermutation
	// SecondLevelCorrelationPermutation permutes regressor values across subjects
	SecondLevelCorrelationPermutation
)

var modeNames = map[Mode]string{
	FirstLevelTimePermutation:         "first-level-time",
	SecondLevelSignFlip:               "sign-flip",
	SecondLevelGroupPermutation:       "group",
	SecondLevelCorrelationPermutation: "correlation",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a configuration string to a Mode
func ParseMode(s string) (Mode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == key {
			return m, nil
		}
	}
	return 0, fmt.Errorf("permutation: unknown mode %q", s)
}

// SecondLevel reports whether the mode relabels subjects rather than timepoints
func (m Mode) SecondLevel() bool {
	return m != FirstLevelTimePermutation
}

// State is the lifecycle state of a Generator
type State int

const (
	Uninitialized State = iota
	Configured
	Generating
	Exhausted
)

func (s State) String() string {
	return [...]string{"uninitialized", "configured", "generating", "exhausted"}[s]
}

// Sentinel errors
var (
	// ErrRequestExceedsExchangeabilityLimit is a warning: the request was capped
	ErrRequestExceedsExchangeabilityLimit = errors.New("permutation: requested permutations exceed exchangeability limit")
	// ErrExhausted is returned by Next once every vector has been issued
	ErrExhausted = errors.New("permutation: generator exhausted")
	// ErrInvalidState is returned for calls not allowed in the current state
	ErrInvalidState = errors.New("permutation: invalid generator state")
	// ErrInvalidStructure indicates an inconsistent design structure
	ErrInvalidStructure = errors.New("permutation: invalid design structure")
)

// Structure describes which observations may be exchanged
type Structure struct {
	// Observations is the number of timepoints or subjects
	Observations int

	// Groups holds the group label of each observation (group permutation only)
	Groups []int

	// Blocks holds the exchangeability block of each observation; nil means one block
	Blocks []int
}

// Option configures a Generator
type Option func(*Generator)

// WithExhaustive enumerates distinct vectors without repetition instead of
// sampling with replacement
func WithExhaustive(exhaustive bool) Option {
	return func(g *Generator) { g.exhaustive = exhaustive }
}

// WithSeed sets the seed of the random draws
func WithSeed(seed uint64) Option {
	return func(g *Generator) { g.seed = seed }
}

// WithPreset issues the given vectors instead of generating them. The first
// vector must be the identity.
func WithPreset(vectors []Vector) Option {
	return func(g *Generator) { g.preset = vectors }
}

// maxRejections bounds duplicate rejection per issued vector
const maxRejections = 10000

// Generator issues permutation vectors for one analysis run
type Generator struct {
	state      State
	mode       Mode
	structure  Structure
	requested  int
	count      int
	limit      *big.Int
	exhaustive bool
	seed       uint64
	preset     []Vector
	warnings   []error

	rng    *rand.Rand
	issued int
	seen   map[string]struct{}

	// blocks lists the observation indices of each exchangeability block
	blocks [][]int

	// exhaustive enumerators for the unblocked cases
	signCounter uint64
	combGen     *combin.CombinationGenerator
	permGen     *combin.PermutationGenerator
	groupLabels [2]int
	identity    Vector
}

// New returns an uninitialized generator
func New() *Generator {
	return &Generator{state: Uninitialized, seed: 1}
}

// State returns the current lifecycle state
func (g *Generator) State() State { return g.state }

// Mode returns the configured mode
func (g *Generator) Mode() Mode { return g.mode }

// Count returns the number of vectors the generator will issue
func (g *Generator) Count() int { return g.count }

// Issued returns how many vectors have been issued so far
func (g *Generator) Issued() int { return g.issued }

// Limit returns the number of distinct vectors the design allows
func (g *Generator) Limit() *big.Int { return new(big.Int).Set(g.limit) }

// Warnings returns non-fatal conditions found during configuration
func (g *Generator) Warnings() []error { return g.warnings }

// Configure validates the structure, computes the exchangeability limit and
// caps the requested count to it.
func (g *Generator) Configure(s Structure, requested int, mode Mode, opts ...Option) error {
	if g.state != Uninitialized && g.state != Configured {
		return fmt.Errorf("%w: cannot configure while %s", ErrInvalidState, g.state)
	}
	if requested < 1 {
		return fmt.Errorf("%w: at least one permutation required, got %d", ErrInvalidStructure, requested)
	}
	if s.Observations < 1 {
		return fmt.Errorf("%w: no observations", ErrInvalidStructure)
	}
	if s.Blocks != nil && len(s.Blocks) != s.Observations {
		return fmt.Errorf("%w: %d block labels for %d observations", ErrInvalidStructure, len(s.Blocks), s.Observations)
	}
	if _, ok := modeNames[mode]; !ok {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidStructure, int(mode))
	}
	if mode == SecondLevelGroupPermutation {
		if len(s.Groups) != s.Observations {
			return fmt.Errorf("%w: %d group labels for %d observations", ErrInvalidStructure, len(s.Groups), s.Observations)
		}
		if len(distinct(s.Groups)) < 2 {
			return fmt.Errorf("%w: group permutation needs at least two groups", ErrInvalidStructure)
		}
	}

	*g = Generator{
		state:     Configured,
		mode:      mode,
		structure: s,
		requested: requested,
		seed:      g.seed,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.blocks = partition(s)
	g.limit = exchangeabilityLimit(mode, s, g.blocks)
	g.identity = IdentityVector(mode, s.Observations)

	g.count = requested
	if big.NewInt(int64(requested)).Cmp(g.limit) > 0 {
		g.count = int(g.limit.Int64())
		g.warnings = append(g.warnings, fmt.Errorf("%w: requested %d, design allows %s (%s)",
			ErrRequestExceedsExchangeabilityLimit, requested, g.limit.String(), mode))
	}

	if g.preset != nil {
		if err := g.validatePreset(); err != nil {
			return err
		}
		if g.count > len(g.preset) {
			g.warnings = append(g.warnings, fmt.Errorf("%w: %d preset vectors for %d requested",
				ErrRequestExceedsExchangeabilityLimit, len(g.preset), g.count))
			g.count = len(g.preset)
		}
	}

	g.rng = rand.New(rand.NewSource(g.seed))
	if g.exhaustive {
		g.seen = make(map[string]struct{}, g.count)
		g.setupEnumerator()
	}
	return nil
}

// Next returns the next vector. The first call always returns the identity.
func (g *Generator) Next() (Vector, error) {
	switch g.state {
	case Uninitialized:
		return Vector{}, fmt.Errorf("%w: not configured", ErrInvalidState)
	case Exhausted:
		return Vector{}, ErrExhausted
	case Configured:
		g.state = Generating
	}

	var (
		v   Vector
		err error
	)
	switch {
	case g.preset != nil:
		v = g.preset[g.issued].clone()
	case g.issued == 0:
		v = g.identity.clone()
	case g.exhaustive:
		v, err = g.nextExhaustive()
	default:
		v = g.draw()
	}
	if err != nil {
		return Vector{}, err
	}

	if g.seen != nil {
		g.seen[g.key(v)] = struct{}{}
	}
	g.issued++
	if g.issued >= g.count {
		g.state = Exhausted
	}
	return v, nil
}

// All drains the generator and returns every remaining vector in order.
func (g *Generator) All() ([]Vector, error) {
	out := make([]Vector, 0, g.count-g.issued)
	for g.state != Exhausted {
		v, err := g.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (g *Generator) validatePreset() error {
	if len(g.preset) == 0 {
		return fmt.Errorf("%w: empty preset", ErrInvalidStructure)
	}
	for i, v := range g.preset {
		if v.Len() != g.structure.Observations {
			return fmt.Errorf("%w: preset vector %d has length %d, want %d",
				ErrInvalidStructure, i, v.Len(), g.structure.Observations)
		}
		if (g.mode == SecondLevelSignFlip) != (v.Signs != nil) {
			return fmt.Errorf("%w: preset vector %d does not match mode %s", ErrInvalidStructure, i, g.mode)
		}
	}
	if !g.preset[0].IsIdentity() {
		return fmt.Errorf("%w: first preset vector must be the identity", ErrInvalidStructure)
	}
	return nil
}

// key identifies a vector by its effect: group assignments for group mode,
// the vector itself otherwise.
func (g *Generator) key(v Vector) string {
	if g.mode != SecondLevelGroupPermutation {
		return v.Key()
	}
	assignment := make([]int, len(v.Indices))
	for i, j := range v.Indices {
		assignment[j] = g.structure.Groups[i]
	}
	return Vector{Indices: assignment}.Key()
}

func (g *Generator) setupEnumerator() {
	n := g.structure.Observations
	if len(g.blocks) != 1 {
		return
	}
	switch g.mode {
	case FirstLevelTimePermutation, SecondLevelCorrelationPermutation:
		g.permGen = combin.NewPermutationGenerator(n, n)
	case SecondLevelGroupPermutation:
		labels := distinct(g.structure.Groups)
		if len(labels) == 2 {
			g.groupLabels = [2]int{labels[0], labels[1]}
			k := 0
			for _, l := range g.structure.Groups {
				if l == labels[1] {
					k++
				}
			}
			g.combGen = combin.NewCombinationGenerator(n, k)
		}
	}
}

func (g *Generator) nextExhaustive() (Vector, error) {
	n := g.structure.Observations
	switch {
	case g.mode == SecondLevelSignFlip:
		for {
			g.signCounter++
			v := Vector{Signs: make([]float64, n)}
			for i := range v.Signs {
				v.Signs[i] = 1
				if i < 64 && g.signCounter&(1<<uint(i)) != 0 {
					v.Signs[i] = -1
				}
			}
			if _, dup := g.seen[g.key(v)]; !dup {
				return v, nil
			}
		}
	case g.permGen != nil:
		for g.permGen.Next() {
			v := Vector{Indices: g.permGen.Permutation(nil)}
			if _, dup := g.seen[g.key(v)]; !dup {
				return v, nil
			}
		}
	case g.combGen != nil:
		for g.combGen.Next() {
			chosen := g.combGen.Combination(nil)
			assignment := make([]int, n)
			for i := range assignment {
				assignment[i] = g.groupLabels[0]
			}
			for _, i := range chosen {
				assignment[i] = g.groupLabels[1]
			}
			v := g.fromAssignment(assignment)
			if _, dup := g.seen[g.key(v)]; !dup {
				return v, nil
			}
		}
	default:
		for attempt := 0; attempt < maxRejections; attempt++ {
			v := g.draw()
			if _, dup := g.seen[g.key(v)]; !dup {
				return v, nil
			}
		}
		return Vector{}, fmt.Errorf("%w: no new vector after %d draws (%d issued)", ErrExhausted, maxRejections, g.issued)
	}
	return Vector{}, fmt.Errorf("%w: enumeration ended after %d vectors", ErrExhausted, g.issued)
}

// draw samples one vector uniformly from the exchangeability group
func (g *Generator) draw() Vector {
	n := g.structure.Observations
	if g.mode == SecondLevelSignFlip {
		v := Vector{Signs: make([]float64, n)}
		for i := range v.Signs {
			v.Signs[i] = 1
			if g.rng.Intn(2) == 1 {
				v.Signs[i] = -1
			}
		}
		return v
	}

	if g.mode == SecondLevelGroupPermutation {
		assignment := append([]int(nil), g.structure.Groups...)
		for _, block := range g.blocks {
			g.rng.Shuffle(len(block), func(a, b int) {
				ia, ib := block[a], block[b]
				assignment[ia], assignment[ib] = assignment[ib], assignment[ia]
			})
		}
		return g.fromAssignment(assignment)
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for _, block := range g.blocks {
		shuffled := append([]int(nil), block...)
		g.rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		for j, pos := range block {
			idx[pos] = shuffled[j]
		}
	}
	return Vector{Indices: idx}
}

// fromAssignment builds the index vector that gives observation p the label
// assignment[p] when applied to the data: within each block, the k-th design
// row labelled g reads the k-th observation newly labelled g. The observed
// assignment maps to the identity.
func (g *Generator) fromAssignment(assignment []int) Vector {
	groups := g.structure.Groups
	idx := make([]int, len(assignment))
	for _, block := range g.blocks {
		rows := map[int][]int{}
		observations := map[int][]int{}
		for _, pos := range block {
			rows[groups[pos]] = append(rows[groups[pos]], pos)
			observations[assignment[pos]] = append(observations[assignment[pos]], pos)
		}
		for label, from := range rows {
			to := observations[label]
			for k := range from {
				idx[from[k]] = to[k]
			}
		}
	}
	return Vector{Indices: idx}
}

// partition groups observation indices by exchangeability block, in order of
// first appearance
func partition(s Structure) [][]int {
	if s.Blocks == nil {
		all := make([]int, s.Observations)
		for i := range all {
			all[i] = i
		}
		return [][]int{all}
	}
	order := map[int]int{}
	var blocks [][]int
	for i, b := range s.Blocks {
		k, ok := order[b]
		if !ok {
			k = len(blocks)
			order[b] = k
			blocks = append(blocks, nil)
		}
		blocks[k] = append(blocks[k], i)
	}
	return blocks
}

// exchangeabilityLimit counts the distinct vectors the design allows
func exchangeabilityLimit(mode Mode, s Structure, blocks [][]int) *big.Int {
	switch mode {
	case SecondLevelSignFlip:
		return new(big.Int).Lsh(big.NewInt(1), uint(s.Observations))
	case SecondLevelGroupPermutation:
		total := big.NewInt(1)
		for _, block := range blocks {
			counts := map[int]int64{}
			for _, pos := range block {
				counts[s.Groups[pos]]++
			}
			m := factorial(int64(len(block)))
			for _, c := range counts {
				m.Quo(m, factorial(c))
			}
			total.Mul(total, m)
		}
		return total
	default:
		total := big.NewInt(1)
		for _, block := range blocks {
			total.Mul(total, factorial(int64(len(block))))
		}
		return total
	}
}

func factorial(n int64) *big.Int {
	if n < 2 {
		return big.NewInt(1)
	}
	return new(big.Int).MulRange(1, n)
}

func distinct(labels []int) []int {
	set := map[int]struct{}{}
	for _, l := range labels {
		set[l] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}
