// Package graph provides shortest-path search over the rail infrastructure.
package graph

import (
	"errors"
	"math"

	"github.com/fdcrail/railsched/core/model"
)

// ErrNoPath indicates the destination is unreachable from the origin.
// Callers are expected to branch on it rather than fail.
var ErrNoPath = errors.New("no path between stations")

type edge struct {
	to    string
	track *model.Track
}

// Graph is an adjacency view of a Network. Single and regional tracks are
// traversable in both directions; double and high-speed tracks only in their
// declared direction.
type Graph struct {
	net *model.Network
	// order fixes the scan order of the linear-search Dijkstra. Ties on
	// tentative distance resolve to the lexically smallest station ID, so
	// path choices are reproducible on symmetric networks.
	order []string
	adj   map[string][]edge
}

// New builds the adjacency lists from the network's track declarations.
func New(net *model.Network) *Graph {
	g := &Graph{net: net, order: net.StationIDs(), adj: make(map[string][]edge, len(net.Stations))}
	for _, t := range net.Tracks {
		g.adj[t.From] = append(g.adj[t.From], edge{to: t.To, track: t})
		if t.Bidirectional() {
			g.adj[t.To] = append(g.adj[t.To], edge{to: t.From, track: t})
		}
	}
	return g
}

// AllDistances runs single-source Dijkstra and returns the distance and
// predecessor maps. Unreachable stations carry +Inf and no predecessor.
// The scan is the straightforward O(V²) variant; station counts are small.
func (g *Graph) AllDistances(from string) (map[string]float64, map[string]string, error) {
	if g.net.Station(from) == nil {
		return nil, nil, ErrNoPath
	}
	dist := make(map[string]float64, len(g.order))
	prev := make(map[string]string, len(g.order))
	done := make(map[string]bool, len(g.order))
	for _, id := range g.order {
		dist[id] = math.Inf(1)
	}
	dist[from] = 0

	for range g.order {
		cur := ""
		best := math.Inf(1)
		for _, id := range g.order {
			if !done[id] && dist[id] < best {
				cur, best = id, dist[id]
			}
		}
		if cur == "" {
			break
		}
		done[cur] = true
		for _, e := range g.adj[cur] {
			if d := best + e.track.LengthKm; d < dist[e.to] {
				dist[e.to] = d
				prev[e.to] = cur
			}
		}
	}
	return dist, prev, nil
}

// ShortestPath returns the station sequence and total distance of the
// shortest route, or ErrNoPath.
func (g *Graph) ShortestPath(from, to string) ([]string, float64, error) {
	if from == to {
		if g.net.Station(from) == nil {
			return nil, 0, ErrNoPath
		}
		return []string{from}, 0, nil
	}
	dist, prev, err := g.AllDistances(from)
	if err != nil {
		return nil, 0, err
	}
	if math.IsInf(dist[to], 1) {
		return nil, 0, ErrNoPath
	}
	path := []string{to}
	for at := to; at != from; {
		at = prev[at]
		path = append(path, at)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, dist[to], nil
}

// PathEdges returns the ordered tracks along the shortest route between two
// stations. Between a station pair joined by several traversable tracks the
// shortest one is chosen, matching the distances used during search.
func (g *Graph) PathEdges(from, to string) ([]*model.Track, error) {
	path, _, err := g.ShortestPath(from, to)
	if err != nil {
		return nil, err
	}
	edges := make([]*model.Track, 0, len(path)-1)
	for i := 0; i+1 < len(path); i++ {
		t := g.edgeBetween(path[i], path[i+1])
		if t == nil {
			return nil, ErrNoPath
		}
		edges = append(edges, t)
	}
	return edges, nil
}

// edgeBetween picks the shortest track traversable from a to b.
func (g *Graph) edgeBetween(a, b string) *model.Track {
	var best *model.Track
	for _, e := range g.adj[a] {
		if e.to != b {
			continue
		}
		if best == nil || e.track.LengthKm < best.LengthKm {
			best = e.track
		}
	}
	return best
}

// Route is one ranked alternative between two stations.
type Route struct {
	Stations   []string
	DistanceKm float64
	Label      string
}

// AlternativePaths returns the direct shortest route plus detours forced
// through each interchange station, ranked by total distance. Candidates that
// revisit a station are discarded. The result is empty when no route exists.
func (g *Graph) AlternativePaths(from, to string) []Route {
	var routes []Route
	seen := make(map[string]bool)

	if path, d, err := g.ShortestPath(from, to); err == nil {
		routes = append(routes, Route{Stations: path, DistanceKm: d, Label: "direct"})
		seen[joinPath(path)] = true
	}

	for _, id := range g.order {
		st := g.net.Station(id)
		if st == nil || st.Kind != model.StationInterchange || id == from || id == to {
			continue
		}
		head, d1, err := g.ShortestPath(from, id)
		if err != nil {
			continue
		}
		tail, d2, err := g.ShortestPath(id, to)
		if err != nil {
			continue
		}
		full := append(append([]string{}, head...), tail[1:]...)
		if revisits(full) {
			continue
		}
		key := joinPath(full)
		if seen[key] {
			continue
		}
		seen[key] = true
		routes = append(routes, Route{Stations: full, DistanceKm: d1 + d2, Label: "via " + id})
	}

	// Stable insertion sort keeps direct ahead of equally long detours.
	for i := 1; i < len(routes); i++ {
		for j := i; j > 0 && routes[j].DistanceKm < routes[j-1].DistanceKm; j-- {
			routes[j], routes[j-1] = routes[j-1], routes[j]
		}
	}
	return routes
}

func revisits(path []string) bool {
	seen := make(map[string]bool, len(path))
	for _, id := range path {
		if seen[id] {
			return true
		}
		seen[id] = true
	}
	return false
}

func joinPath(path []string) string {
	out := ""
	for _, id := range path {
		out += id + "|"
	}
	return out
}
