package genetic

import (
	"math/rand"
	"time"
)

// Gene holds the optimizer-owned knobs of one candidate train: a departure
// offset, per-station extra dwell, and per-station track reassignments.
type Gene struct {
	DepartureOffset time.Duration
	DwellOffsets    map[string]time.Duration
	Tracks          map[string]string
}

// NewGene returns an identity gene (no change to the input train).
func NewGene() *Gene {
	return &Gene{
		DwellOffsets: make(map[string]time.Duration),
		Tracks:       make(map[string]string),
	}
}

// Clone deep-copies the gene.
func (g *Gene) Clone() *Gene {
	c := NewGene()
	c.DepartureOffset = g.DepartureOffset
	for k, v := range g.DwellOffsets {
		c.DwellOffsets[k] = v
	}
	for k, v := range g.Tracks {
		c.Tracks[k] = v
	}
	return c
}

// Chromosome is one candidate full-schedule solution: one gene per candidate
// train, indexed like the refiner's train slice. Fitness and the set of
// still-conflicting train IDs are filled by evaluation.
type Chromosome struct {
	Genes       []*Gene
	Fitness     float64
	ConflictIDs map[string]bool
}

func newChromosome(n int) *Chromosome {
	ch := &Chromosome{Genes: make([]*Gene, n)}
	for i := range ch.Genes {
		ch.Genes[i] = NewGene()
	}
	return ch
}

// Clone deep-copies the chromosome, including its evaluation results.
func (c *Chromosome) Clone() *Chromosome {
	out := &Chromosome{Genes: make([]*Gene, len(c.Genes)), Fitness: c.Fitness}
	for i, g := range c.Genes {
		out.Genes[i] = g.Clone()
	}
	if c.ConflictIDs != nil {
		out.ConflictIDs = make(map[string]bool, len(c.ConflictIDs))
		for k := range c.ConflictIDs {
			out.ConflictIDs[k] = true
		}
	}
	return out
}

// crossover builds a child by uniform per-gene inheritance: every gene comes
// whole from one parent or the other.
func crossover(rng *rand.Rand, a, b *Chromosome) *Chromosome {
	child := &Chromosome{Genes: make([]*Gene, len(a.Genes))}
	for i := range a.Genes {
		if rng.Intn(2) == 0 {
			child.Genes[i] = a.Genes[i].Clone()
		} else {
			child.Genes[i] = b.Genes[i].Clone()
		}
	}
	return child
}

// tournament picks the fitter of two random chromosomes.
func tournament(rng *rand.Rand, pop []*Chromosome) *Chromosome {
	a := pop[rng.Intn(len(pop))]
	b := pop[rng.Intn(len(pop))]
	if a.Fitness <= b.Fitness {
		return a
	}
	return b
}
