package lock

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"coredb/core/txn"
)

const defaultCycleDetectionInterval = 200 * time.Millisecond

// deadlockDetector periodically rebuilds the wait-for graph from every
// table and row lock queue and aborts one transaction per cycle found.
// The reference (original_source/src/concurrency/lock_manager.cpp)
// declares this loop (RunCycleDetection, AddEdge/RemoveEdge/HasCycle/
// GetEdgeList) but leaves every method as an empty stub; the algorithm
// below — build edges from blocked requests to the granted requests
// they conflict with, then DFS each node in ascending txn-id order
// using sorted neighbor adjacency lists, aborting the highest-numbered
// (youngest) transaction on the first cycle found per round — is
// implemented from spec section 4.4's prose description alone.
type deadlockDetector struct {
	m        *Manager
	interval time.Duration
	log      *zap.Logger
}

func newDeadlockDetector(m *Manager, interval time.Duration, log *zap.Logger) *deadlockDetector {
	return &deadlockDetector{m: m, interval: interval, log: log}
}

func (d *deadlockDetector) start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.runOnce()
			}
		}
	}()
}

// runOnce rebuilds the wait-for graph and aborts victims until no cycle
// remains, so a single tick resolves every deadlock currently present
// rather than just one per tick.
func (d *deadlockDetector) runOnce() {
	for {
		graph := d.buildWaitForGraph()
		victim, ok := findCycleVictim(graph)
		if !ok {
			return
		}
		d.abortVictim(victim)
	}
}

// buildWaitForGraph snapshots every table and row queue and produces an
// adjacency list: txnID -> sorted set of txnIDs it is waiting on.
func (d *deadlockDetector) buildWaitForGraph() map[int64][]int64 {
	edges := make(map[int64]map[int64]struct{})
	addEdge := func(from, to int64) {
		if from == to {
			return
		}
		if edges[from] == nil {
			edges[from] = make(map[int64]struct{})
		}
		edges[from][to] = struct{}{}
	}

	collect := func(q *requestQueue) {
		q.mu.Lock()
		defer q.mu.Unlock()
		var granted, waiting []*lockRequest
		for e := q.requests.Front(); e != nil; e = e.Next() {
			r := e.Value.(*lockRequest)
			if r.granted {
				granted = append(granted, r)
			} else {
				waiting = append(waiting, r)
			}
		}
		for _, w := range waiting {
			for _, g := range granted {
				if !compatible(g.mode, w.mode) {
					addEdge(w.txnID, g.txnID)
				}
			}
		}
	}

	d.m.tableMapMu.Lock()
	tableQueues := make([]*requestQueue, 0, len(d.m.tableQueues))
	for _, q := range d.m.tableQueues {
		tableQueues = append(tableQueues, q)
	}
	d.m.tableMapMu.Unlock()
	for _, q := range tableQueues {
		collect(q)
	}

	d.m.rowMapMu.Lock()
	rowQueues := make([]*requestQueue, 0, len(d.m.rowQueues))
	for _, q := range d.m.rowQueues {
		rowQueues = append(rowQueues, q)
	}
	d.m.rowMapMu.Unlock()
	for _, q := range rowQueues {
		collect(q)
	}

	graph := make(map[int64][]int64, len(edges))
	for from, tos := range edges {
		list := make([]int64, 0, len(tos))
		for to := range tos {
			list = append(list, to)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		graph[from] = list
	}
	return graph
}

// findCycleVictim runs a DFS from every node in ascending txn-id order,
// following sorted neighbor lists, and returns the highest txn id on the
// first cycle discovered (the "youngest" transaction, matching the
// reference's documented victim-selection policy).
func findCycleVictim(graph map[int64][]int64) (int64, bool) {
	nodes := make([]int64, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int64]int, len(nodes))
	var path []int64

	var dfs func(n int64) (int64, bool)
	dfs = func(n int64) (int64, bool) {
		color[n] = gray
		path = append(path, n)
		for _, next := range graph[n] {
			switch color[next] {
			case white:
				if v, found := dfs(next); found {
					return v, true
				}
			case gray:
				return cycleVictim(path, next), true
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return 0, false
	}

	for _, n := range nodes {
		if color[n] == white {
			path = nil
			if v, found := dfs(n); found {
				return v, true
			}
		}
	}
	return 0, false
}

// cycleVictim returns the maximum txn id among the nodes that form the
// cycle closing back to target within path.
func cycleVictim(path []int64, target int64) int64 {
	start := 0
	for i, n := range path {
		if n == target {
			start = i
			break
		}
	}
	victim := target
	for _, n := range path[start:] {
		if n > victim {
			victim = n
		}
	}
	return victim
}

func (d *deadlockDetector) abortVictim(txnID int64) {
	t := d.m.lookupTxn(txnID)
	if t == nil {
		return
	}
	t.SetState(txn.Aborted)
	d.wakeAllQueues()
	if d.m.deadlockCtr != nil {
		d.m.deadlockCtr.Add(context.Background(), 1)
	}
	if d.log != nil {
		d.log.Warn("deadlock detected, aborting victim", zap.Int64("txn_id", txnID))
	}
}

// wakeAllQueues broadcasts every queue's condition variable so blocked
// waiters re-check their transaction's (possibly now-aborted) state.
func (d *deadlockDetector) wakeAllQueues() {
	d.m.tableMapMu.Lock()
	tableQueues := make([]*requestQueue, 0, len(d.m.tableQueues))
	for _, q := range d.m.tableQueues {
		tableQueues = append(tableQueues, q)
	}
	d.m.tableMapMu.Unlock()

	d.m.rowMapMu.Lock()
	rowQueues := make([]*requestQueue, 0, len(d.m.rowQueues))
	for _, q := range d.m.rowQueues {
		rowQueues = append(rowQueues, q)
	}
	d.m.rowMapMu.Unlock()

	for _, q := range tableQueues {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	for _, q := range rowQueues {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
