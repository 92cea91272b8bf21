package tiles

import "sort"

// Cluster is a maximal 4-connected group of interior tiles. Tiles holds the
// members in discovery order; Size is len(Tiles) kept separately so an empty
// result still serializes with an explicit zero.
type Cluster struct {
	Size  int     `json:"size"`
	Tiles []Coord `json:"tiles"`
}

type gridKey struct{ x, y uint32 }

// MaxCluster finds the largest cluster among the given tiles.
//
// A tile is interior when all four orthogonal neighbours are visited too.
// Tiles on the x=0 or y=0 grid edge are never interior since one neighbour
// falls off the grid. Interior tiles are then grouped by 4-connectivity and
// the largest group wins. Candidate seeds are scanned in ascending (x, y)
// order so that ties between equal-sized clusters resolve the same way on
// every run regardless of input order.
func MaxCluster(coords []Coord) Cluster {
	visited := make(map[gridKey]struct{}, len(coords))
	for _, c := range coords {
		visited[gridKey{c.X, c.Y}] = struct{}{}
	}

	interior := make(map[gridKey]Coord)
	var seeds []Coord
	for _, c := range coords {
		if c.X == 0 || c.Y == 0 {
			continue
		}
		k := gridKey{c.X, c.Y}
		if _, dup := interior[k]; dup {
			continue
		}
		_, left := visited[gridKey{c.X - 1, c.Y}]
		_, right := visited[gridKey{c.X + 1, c.Y}]
		_, up := visited[gridKey{c.X, c.Y - 1}]
		_, down := visited[gridKey{c.X, c.Y + 1}]
		if left && right && up && down {
			interior[k] = c
			seeds = append(seeds, c)
		}
	}

	sort.Slice(seeds, func(i, j int) bool {
		if seeds[i].X != seeds[j].X {
			return seeds[i].X < seeds[j].X
		}
		return seeds[i].Y < seeds[j].Y
	})

	var best Cluster
	seen := make(map[gridKey]struct{}, len(interior))
	for _, seed := range seeds {
		start := gridKey{seed.X, seed.Y}
		if _, done := seen[start]; done {
			continue
		}

		var members []Coord
		queue := []gridKey{start}
		seen[start] = struct{}{}
		for len(queue) > 0 {
			k := queue[0]
			queue = queue[1:]
			members = append(members, interior[k])

			for _, nk := range [4]gridKey{
				{k.x - 1, k.y},
				{k.x + 1, k.y},
				{k.x, k.y - 1},
				{k.x, k.y + 1},
			} {
				if _, ok := interior[nk]; !ok {
					continue
				}
				if _, done := seen[nk]; done {
					continue
				}
				seen[nk] = struct{}{}
				queue = append(queue, nk)
			}
		}

		if len(members) > best.Size {
			best = Cluster{Size: len(members), Tiles: members}
		}
	}
	return best
}
