// Package genetic refines a timetable with a population-based stochastic
// search over departure offsets, dwell offsets and track assignments.
package genetic

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/fdcrail/railsched/core/conflict"
	"github.com/fdcrail/railsched/core/logger"
	"github.com/fdcrail/railsched/core/model"
	"github.com/fdcrail/railsched/core/timetable"
)

// Fitness weights. Conflict elimination dominates by construction; travel
// time is secondary, deviation from the input schedule tertiary.
const (
	conflictWeight        = 1_000_000.0
	travelMinuteWeight    = 10.0
	departureDevDivisor   = 20.0
	trackChangeIntermed   = 4.0
	trackChangeTerminal   = 10.0
	conflictMutationBoost = 2.5
	calmMutationDamp      = 0.5
)

// Config tunes the refiner.
type Config struct {
	Population     int     `json:"population"`
	Generations    int     `json:"generations"`
	Elite          int     `json:"elite"`
	MinGenerations int     `json:"min_generations"`
	MutationRate   float64 `json:"mutation_rate"`
	Intensity      float64 `json:"intensity"`
	Workers        int     `json:"workers"`
	Seed           int64   `json:"seed"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Population <= 0 {
		c.Population = 60
	}
	if c.Generations <= 0 {
		c.Generations = 250
	}
	if c.Elite <= 0 {
		c.Elite = 5
	}
	if c.MinGenerations <= 0 {
		c.MinGenerations = 5
	}
	if c.MutationRate <= 0 {
		c.MutationRate = 0.1
	}
	if c.Intensity <= 0 {
		c.Intensity = 1.0
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
}

// Outcome is the result of one refinement run.
type Outcome struct {
	Trains      []*model.TrainRun
	Best        *Chromosome
	Conflicts   []model.Conflict
	Generations int
}

// Refiner runs the genetic search. Collaborators are injected; the refiner
// never mutates its inputs.
type Refiner struct {
	cfg  Config
	net  *model.Network
	calc *timetable.Calculator
	det  *conflict.Detector
	log  logger.Logger
}

// NewRefiner builds a Refiner. cfg defaults are applied.
func NewRefiner(cfg Config, net *model.Network, calc *timetable.Calculator, det *conflict.Detector, log logger.Logger) *Refiner {
	cfg.SetDefaults()
	return &Refiner{cfg: cfg, net: net, calc: calc, det: det, log: log}
}

// session holds per-run state so concurrent Refine calls stay independent.
type session struct {
	*Refiner
	base     []*model.TrainRun
	existing []*model.TrainRun
	rng      *rand.Rand
}

// Refine searches for a conflict-minimal adjustment of the candidate trains
// against the immutable existing set. Cancellation returns the best solution
// found so far.
func (r *Refiner) Refine(ctx context.Context, candidates, existing []*model.TrainRun) (*Outcome, error) {
	if len(candidates) == 0 {
		return &Outcome{Trains: nil}, nil
	}
	seed := r.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &session{
		Refiner:  r,
		base:     model.CloneAll(candidates),
		existing: model.CloneAll(existing),
		rng:      rand.New(rand.NewSource(seed)),
	}
	if err := r.calc.ApplyAll(s.base); err != nil {
		return nil, fmt.Errorf("genetic: baseline schedule: %w", err)
	}
	if err := r.calc.ApplyAll(s.existing); err != nil {
		return nil, fmt.Errorf("genetic: existing schedule: %w", err)
	}

	pop := s.initialPopulation()
	s.evaluateAll(pop)
	sortByFitness(pop)

	gen := 0
	for ; gen < r.cfg.Generations; gen++ {
		if ctx.Err() != nil {
			break
		}
		best := pop[0]
		if len(best.ConflictIDs) == 0 && gen >= r.cfg.MinGenerations {
			break
		}
		pop = s.breed(pop)
		s.evaluateAll(pop)
		sortByFitness(pop)
	}

	best := pop[0]
	trains := s.materialize(best)
	if err := r.calc.ApplyAll(trains); err != nil {
		return nil, err
	}
	all := append(append([]*model.TrainRun{}, s.existing...), trains...)
	residual := r.det.Detect(all)
	if r.log != nil {
		r.log.Infof("genetic: %d generations, fitness %.0f, %d residual conflicts",
			gen, best.Fitness, len(residual))
	}
	return &Outcome{Trains: trains, Best: best.Clone(), Conflicts: residual, Generations: gen}, nil
}

// initialPopulation seeds one identity chromosome plus random perturbations.
// The identity survivor anchors the search to the unmodified input.
func (s *session) initialPopulation() []*Chromosome {
	pop := make([]*Chromosome, s.cfg.Population)
	pop[0] = newChromosome(len(s.base))
	for i := 1; i < len(pop); i++ {
		ch := newChromosome(len(s.base))
		for gi, g := range ch.Genes {
			maxOffset := 15 * time.Minute
			span := time.Duration(float64(maxOffset) * s.cfg.Intensity)
			g.DepartureOffset = time.Duration(s.rng.Int63n(int64(2*span+1))) - span
			if stops := s.base[gi].Stops; len(stops) > 2 {
				for _, stop := range stops[1 : len(stops)-1] {
					if s.rng.Float64() < 0.3 {
						g.DwellOffsets[stop.StationID] = time.Duration(s.rng.Intn(11)) * time.Minute
					}
				}
			}
		}
		pop[i] = ch
	}
	return pop
}

// evaluateAll scores the population across a worker pool. Each evaluation is
// pure; results merge back by index, with a join before returning.
func (s *session) evaluateAll(pop []*Chromosome) {
	workers := s.cfg.Workers
	if workers > len(pop) {
		workers = len(pop)
	}
	idx := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range idx {
				s.evaluate(pop[i])
			}
		}()
	}
	for i := range pop {
		idx <- i
	}
	close(idx)
	wg.Wait()
}

// evaluate materializes the chromosome, recomputes the candidate schedules
// and scores the result.
func (s *session) evaluate(ch *Chromosome) {
	trains := s.materialize(ch)
	if err := s.calc.ApplyAll(trains); err != nil {
		// Unroutable candidates rank behind everything else.
		ch.Fitness = conflictWeight * float64(len(trains)+1)
		ch.ConflictIDs = map[string]bool{}
		return
	}
	all := append(append([]*model.TrainRun{}, s.existing...), trains...)
	conflicts := s.det.Detect(all)

	travelMinutes := 0.0
	for _, t := range trains {
		travelMinutes += t.TravelTime().Minutes()
	}

	deviation := 0.0
	for gi, g := range ch.Genes {
		deviation += abs(g.DepartureOffset.Seconds()) / departureDevDivisor
		orig := s.base[gi]
		for si, stop := range orig.Stops {
			want, ok := g.Tracks[stop.StationID]
			if !ok || want == "" || want == stop.Track {
				continue
			}
			if si == 0 || si == len(orig.Stops)-1 {
				deviation += trackChangeTerminal
			} else {
				deviation += trackChangeIntermed
			}
		}
	}

	ch.Fitness = float64(len(conflicts))*conflictWeight + travelMinutes*travelMinuteWeight + deviation
	ch.ConflictIDs = model.ConflictTrains(conflicts)
}

// materialize applies the chromosome's genes to fresh copies of the baseline
// trains.
func (s *session) materialize(ch *Chromosome) []*model.TrainRun {
	trains := model.CloneAll(s.base)
	for gi, g := range ch.Genes {
		t := trains[gi]
		t.Departure = t.Departure.Add(g.DepartureOffset)
		for _, stop := range t.Stops {
			if d, ok := g.DwellOffsets[stop.StationID]; ok {
				stop.ExtraDwell += d
			}
			if tr, ok := g.Tracks[stop.StationID]; ok && tr != "" {
				stop.Track = tr
			}
		}
	}
	return trains
}

// breed keeps the elite unconditionally and fills the rest of the population
// with tournament-selected, crossed-over, mutated children.
func (s *session) breed(pop []*Chromosome) []*Chromosome {
	next := make([]*Chromosome, 0, len(pop))
	elite := s.cfg.Elite
	if elite > len(pop) {
		elite = len(pop)
	}
	for i := 0; i < elite; i++ {
		next = append(next, pop[i].Clone())
	}
	for len(next) < len(pop) {
		p1 := tournament(s.rng, pop)
		p2 := tournament(s.rng, pop)
		child := crossover(s.rng, p1, p2)
		s.mutate(child, union(p1.ConflictIDs, p2.ConflictIDs))
		next = append(next, child)
	}
	return next
}

// mutate perturbs genes, favouring trains still in conflict.
func (s *session) mutate(ch *Chromosome, conflicting map[string]bool) {
	for gi, g := range ch.Genes {
		train := s.base[gi]
		rate := s.cfg.MutationRate * calmMutationDamp
		if conflicting[train.ID] {
			rate = s.cfg.MutationRate * conflictMutationBoost
		}
		if s.rng.Float64() >= rate {
			continue
		}
		switch s.rng.Intn(4) {
		case 0:
			// Precision departure nudge to shake a blocked crossing loose.
			minutes := time.Duration(1+s.rng.Intn(10)) * time.Minute
			if s.rng.Intn(2) == 0 {
				minutes = -minutes
			}
			g.DepartureOffset += minutes
		case 1:
			s.mutateTrack(g, train)
		case 2:
			// Fine dwell nudge on a random intermediate stop.
			if stop := s.randomIntermediate(train); stop != nil {
				delta := time.Duration(30+s.rng.Intn(31)) * time.Second
				if s.rng.Intn(2) == 0 {
					delta = -delta
				}
				g.DwellOffsets[stop.StationID] += delta
			}
		case 3:
			// Coarse dwell adjustment, floored at zero effective dwell.
			if stop := s.randomIntermediate(train); stop != nil {
				delta := time.Duration(s.rng.Intn(5)-1) * time.Minute
				next := g.DwellOffsets[stop.StationID] + delta
				if stop.MinDwell+stop.ExtraDwell+next < 0 {
					next = -(stop.MinDwell + stop.ExtraDwell)
				}
				g.DwellOffsets[stop.StationID] = next
			}
		}
	}
}

// mutateTrack reassigns the stop's platform at a station with spare capacity.
func (s *session) mutateTrack(g *Gene, train *model.TrainRun) {
	var eligible []*model.Stop
	for _, stop := range train.Stops {
		st := s.net.Station(stop.StationID)
		if st != nil && st.Platforms > 1 {
			eligible = append(eligible, stop)
		}
	}
	if len(eligible) == 0 {
		return
	}
	stop := eligible[s.rng.Intn(len(eligible))]
	st := s.net.Station(stop.StationID)
	g.Tracks[stop.StationID] = fmt.Sprintf("%d", 1+s.rng.Intn(st.Platforms))
}

func (s *session) randomIntermediate(train *model.TrainRun) *model.Stop {
	if len(train.Stops) <= 2 {
		return nil
	}
	return train.Stops[1+s.rng.Intn(len(train.Stops)-2)]
}

func sortByFitness(pop []*Chromosome) {
	sort.SliceStable(pop, func(i, j int) bool { return pop[i].Fitness < pop[j].Fitness })
}

func union(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
