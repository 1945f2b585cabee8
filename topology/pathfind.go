package topology

import (
	"github.com/xtexChooser/earendil/crypt"
)

// FindShortestPath finds the shortest path (by hop count) from source to
// destination over the signed adjacency set, using a standard BFS. The
// returned path includes both endpoints. When multiple shortest paths
// exist, neighbors are expanded in unspecified order, so ties are broken
// arbitrarily but a path of minimal length is always returned.
func (g *RelayGraph) FindShortestPath(source,
	destination crypt.RelayFingerprint) ([]crypt.RelayFingerprint, error) {

	if source == destination {
		return []crypt.RelayFingerprint{source}, nil
	}

	// BFS state.
	parent := make(map[crypt.RelayFingerprint]crypt.RelayFingerprint)
	visited := make(map[crypt.RelayFingerprint]bool)

	visited[source] = true
	queue := []crypt.RelayFingerprint{source}

	for len(queue) > 0 {
		nextQueue := make([]crypt.RelayFingerprint, 0)

		for _, current := range queue {
			for _, neighbor := range g.neighborsOf(current) {
				if visited[neighbor] {
					continue
				}

				visited[neighbor] = true
				parent[neighbor] = current

				if neighbor == destination {
					return reconstructPath(
						parent, source, destination,
					), nil
				}

				nextQueue = append(nextQueue, neighbor)
			}
		}

		queue = nextQueue
	}

	return nil, ErrNoPathFound
}

// reconstructPath rebuilds the path from destination back to source using
// the parent map, returning the hops in forward order including the
// source.
func reconstructPath(
	parent map[crypt.RelayFingerprint]crypt.RelayFingerprint,
	source, destination crypt.RelayFingerprint) []crypt.RelayFingerprint {

	var path []crypt.RelayFingerprint

	current := destination
	for current != source {
		path = append(path, current)
		current = parent[current]
	}
	path = append(path, source)

	// Reverse the path to get source-to-destination order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path
}
