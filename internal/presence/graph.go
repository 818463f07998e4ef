// Package presence implements the cross-node presence-tracking core: the
// unit-space floor-plan graph, the ENTER/EXIT ingestion rules, the
// pending-move hypothesis window and the inactivity sweep.
//
// All state transitions are driven by a single goroutine (the Tracker run
// loop); the Core itself is not safe for concurrent use.
package presence

import (
	"container/heap"
	"fmt"
	"sort"
	"time"
)

// Graph is the fixed undirected weighted floor plan. Nodes are rooms; edge
// weights are expected human travel time in seconds. The node set does not
// change after startup.
type Graph struct {
	nodes map[string]*roomNode
}

type roomNode struct {
	name       string
	edges      map[string]time.Duration
	activated  bool
	lastActive time.Time
}

// NewGraph creates an empty floor plan.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*roomNode)}
}

// AddNode declares a room with no edges.
func (g *Graph) AddNode(name string) {
	if _, ok := g.nodes[name]; !ok {
		g.nodes[name] = &roomNode{name: name, edges: make(map[string]time.Duration)}
	}
}

// AddEdge declares an undirected edge between two rooms, creating nodes as
// needed.
func (g *Graph) AddEdge(a, b string, travel time.Duration) {
	g.AddNode(a)
	g.AddNode(b)
	g.nodes[a].edges[b] = travel
	g.nodes[b].edges[a] = travel
}

// Has reports whether name is a declared room.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Rooms returns all declared room names, sorted.
func (g *Graph) Rooms() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Activate marks name as the single active room, deactivating all others.
func (g *Graph) Activate(name string, at time.Time) error {
	n, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("presence: unknown room %q", name)
	}
	for _, other := range g.nodes {
		other.activated = false
	}
	n.activated = true
	n.lastActive = at
	return nil
}

// Deactivate clears the active flag on name.
func (g *Graph) Deactivate(name string, at time.Time) {
	if n, ok := g.nodes[name]; ok {
		n.activated = false
		n.lastActive = at
	}
}

// DeactivateAll clears every active flag.
func (g *Graph) DeactivateAll() {
	for _, n := range g.nodes {
		n.activated = false
	}
}

// ActiveRoom returns the currently active room, if any.
func (g *Graph) ActiveRoom() (string, bool) {
	for name, n := range g.nodes {
		if n.activated {
			return name, true
		}
	}
	return "", false
}

// -------------------------------------------------------------------------
// All-Pairs Reachability
// -------------------------------------------------------------------------

// Reachable computes the shortest travel time from origin to every other
// room (Dijkstra). Multi-hop moves are included; origin itself is omitted.
func (g *Graph) Reachable(origin string) map[string]time.Duration {
	out := make(map[string]time.Duration)
	if _, ok := g.nodes[origin]; !ok {
		return out
	}

	dist := map[string]time.Duration{origin: 0}
	visited := make(map[string]bool)
	pq := &travelHeap{{room: origin, dist: 0}}

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(travelItem)
		if visited[cur.room] {
			continue
		}
		visited[cur.room] = true
		for neighbor, weight := range g.nodes[cur.room].edges {
			if visited[neighbor] {
				continue
			}
			next := cur.dist + weight
			if d, ok := dist[neighbor]; !ok || next < d {
				dist[neighbor] = next
				heap.Push(pq, travelItem{room: neighbor, dist: next})
			}
		}
	}

	for room, d := range dist {
		if room != origin {
			out[room] = d
		}
	}
	return out
}

type travelItem struct {
	room string
	dist time.Duration
}

type travelHeap []travelItem

func (h travelHeap) Len() int           { return len(h) }
func (h travelHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h travelHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *travelHeap) Push(x any)        { *h = append(*h, x.(travelItem)) }
func (h *travelHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
