package lock

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// scanInterval is the period the detector asks cron for. cron.Every
// rounds periods below one second up to one second, so the wait-for
// graph is in practice walked once a second.
const scanInterval = 50 * time.Millisecond

// detector periodically scans the wait-for graph (owner -> holders it is
// blocked behind) for cycles, and fails one waiter per cycle with
// ErrDeadlock. It reuses the same periodic-trigger primitive as the
// checkpoint coordinator: robfig/cron/v3's constant-delay schedule.
type detector struct {
	mgr *Manager

	mu      sync.Mutex
	waitFor map[Owner][]Owner
	waitKey map[Owner]Key

	cr *cron.Cron
}

func newDetector(mgr *Manager) *detector {
	d := &detector{
		mgr:     mgr,
		waitFor: make(map[Owner][]Owner),
		waitKey: make(map[Owner]Key),
		cr:      cron.New(),
	}
	d.cr.Schedule(cron.Every(scanInterval), cron.FuncJob(d.scan))
	d.cr.Start()
	return d
}

// addWait records which key an owner is blocked on and who currently
// holds it, so a detected cycle can be broken by failing that specific
// wait.
func (d *detector) addWait(owner Owner, key Key, holders []Owner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waitFor[owner] = holders
	d.waitKey[owner] = key
}

func (d *detector) removeWait(owner Owner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waitFor, owner)
	delete(d.waitKey, owner)
}

func (d *detector) stop() {
	d.cr.Stop()
}

// scan looks for a cycle reachable from each owner with an outstanding
// wait and, on the first cycle found, picks its own starting owner as the
// victim — simple and guarantees forward progress since whichever waiter
// is discovered to sit in a cycle during the owner-ordered scan loses.
func (d *detector) scan() {
	d.mu.Lock()
	graph := make(map[Owner][]Owner, len(d.waitFor))
	for o, hs := range d.waitFor {
		graph[o] = append([]Owner(nil), hs...)
	}
	keys := make(map[Owner]Key, len(d.waitKey))
	for o, k := range d.waitKey {
		keys[o] = k
	}
	d.mu.Unlock()

	for start := range graph {
		if cycle := findCycle(graph, start); cycle != nil {
			key, ok := keys[start]
			if !ok {
				continue
			}
			d.removeWait(start)
			d.mgr.breakWait(key, start, cycle)
			return // break one cycle per scan tick; the next tick re-evaluates
		}
	}
}

// findCycle performs a DFS from start and returns the cycle (as a slice
// of owners) if one passes back through start, or nil.
func findCycle(graph map[Owner][]Owner, start Owner) []Owner {
	visited := make(map[Owner]bool)
	var path []Owner

	var dfs func(o Owner) bool
	dfs = func(o Owner) bool {
		if o == start && len(path) > 0 {
			return true
		}
		if visited[o] {
			return false
		}
		visited[o] = true
		path = append(path, o)
		for _, next := range graph[o] {
			if dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	for _, next := range graph[start] {
		path = []Owner{start}
		if dfs(next) {
			return append(path, start)
		}
	}
	return nil
}
