// Package hashring maps symbols to workers with a Ketama-style consistent
// hash ring. Each worker contributes virtualNodes*pointsPerNode points so
// that adding or removing one worker reassigns only ~1/N of the symbols.
package hashring

import (
	"errors"
	"sort"
	"strconv"
	"sync"
)

const (
	virtualNodes  = 80
	pointsPerNode = 4
)

// ErrEmptyRing is returned by WorkerFor when no workers are registered.
var ErrEmptyRing = errors.New("hashring: no workers in ring")

type point struct {
	hash   uint32
	worker int
}

// Ring is a consistent-hash ring over worker ids. It is mutated only from
// the routing goroutine; the mutex guards the assignment cache against
// concurrent readers (load distribution, status endpoints).
type Ring struct {
	mu      sync.Mutex
	points  []point
	workers map[int]struct{}
	cache   map[string]int // symbol → worker, cleared on membership change
}

// New creates an empty ring.
func New() *Ring {
	return &Ring{
		workers: make(map[int]struct{}),
		cache:   make(map[string]int),
	}
}

// AddWorker inserts a worker's points into the ring. Idempotent.
func (r *Ring) AddWorker(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; ok {
		return
	}
	r.workers[id] = struct{}{}

	for v := 0; v < virtualNodes; v++ {
		for k := 0; k < pointsPerNode; k++ {
			key := strconv.Itoa(id) + "-" + strconv.Itoa(v) + "-" + strconv.Itoa(k)
			r.points = append(r.points, point{hash: Sum32([]byte(key)), worker: id})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].worker < r.points[j].worker
	})
	r.cache = make(map[string]int)
}

// RemoveWorker removes a worker's points from the ring. Idempotent.
func (r *Ring) RemoveWorker(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return
	}
	delete(r.workers, id)

	kept := r.points[:0]
	for _, p := range r.points {
		if p.worker != id {
			kept = append(kept, p)
		}
	}
	r.points = kept
	r.cache = make(map[string]int)
}

// WorkerFor returns the worker owning the symbol: the first ring point with
// hash >= hash(symbol), wrapping at the end.
func (r *Ring) WorkerFor(symbol string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.points) == 0 {
		return 0, ErrEmptyRing
	}
	if w, ok := r.cache[symbol]; ok {
		return w, nil
	}

	h := Sum32([]byte(symbol))
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if i == len(r.points) {
		i = 0
	}
	w := r.points[i].worker
	r.cache[symbol] = w
	return w, nil
}

// Workers returns the current member ids, sorted.
func (r *Ring) Workers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Size returns the number of member workers.
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// LoadDistribution counts how many of the given symbols each worker owns.
func (r *Ring) LoadDistribution(symbols []string) map[int]int {
	dist := make(map[int]int)
	for _, s := range symbols {
		w, err := r.WorkerFor(s)
		if err != nil {
			return dist
		}
		dist[w]++
	}
	return dist
}
