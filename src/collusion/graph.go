package collusion

import (
	"sort"

	"github.com/bitline/trust-engine/src/config"
)

// Graph is an immutable snapshot of the interaction graph over a trailing
// window. Nodes live in an arena indexed by position; adjacency is stored
// as index-keyed count maps, so the structure has no pointer cycles and
// can be handed to settlement workers without copying.
type Graph struct {
	econ     *config.Economics
	ids      []uint64
	index    map[uint64]int
	out      []map[int]int
	circleOf []int
	circles  [][]int
}

func newGraph(econ *config.Economics) *Graph {
	return &Graph{econ: econ, index: make(map[uint64]int)}
}

func (g *Graph) node(id uint64) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.ids = append(g.ids, id)
	g.index[id] = i
	g.out = append(g.out, nil)
	return i
}

func (g *Graph) addEdge(src, dst uint64, n int) {
	if src == dst || n <= 0 {
		return
	}
	si, di := g.node(src), g.node(dst)
	if g.out[si] == nil {
		g.out[si] = make(map[int]int)
	}
	g.out[si][di] += n
}

func (g *Graph) mutualWeight(a, b int) int {
	ab, ba := 0, 0
	if g.out[a] != nil {
		ab = g.out[a][b]
	}
	if g.out[b] != nil {
		ba = g.out[b][a]
	}
	if ab < ba {
		return ab
	}
	return ba
}

// buildCircles groups nodes into connected components over edges whose
// mutual weight meets the threshold, dropping undersized components.
func (g *Graph) buildCircles() {
	n := len(g.ids)
	g.circleOf = make([]int, n)
	for i := range g.circleOf {
		g.circleOf[i] = -1
	}
	minW := g.econ.Collusion.MinMutualWeight
	if minW < 1 {
		minW = 1
	}
	minSize := g.econ.Collusion.MinCircleSize

	// a qualifying mutual edge has both directions > 0, so scanning each
	// node's outgoing map reaches every member
	visited := make([]bool, n)
	for start := 0; start < n; start++ {
		if visited[start] {
			continue
		}
		var members []int
		queue := []int{start}
		visited[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			members = append(members, cur)
			for nb := range g.out[cur] {
				if !visited[nb] && g.mutualWeight(cur, nb) >= minW {
					visited[nb] = true
					queue = append(queue, nb)
				}
			}
		}
		if len(members) < minSize {
			continue
		}
		sort.Ints(members)
		id := len(g.circles)
		for _, m := range members {
			g.circleOf[m] = id
		}
		g.circles = append(g.circles, members)
	}
}

// CircleOf returns the circle id for an account, -1 when unclustered.
func (g *Graph) CircleOf(account uint64) int {
	i, ok := g.index[account]
	if !ok {
		return -1
	}
	return g.circleOf[i]
}

func (g *Graph) SameCircle(a, b uint64) bool {
	ca, cb := g.CircleOf(a), g.CircleOf(b)
	return ca >= 0 && ca == cb
}

func (g *Graph) CircleCount() int { return len(g.circles) }

// CircleMembers returns the account ids in a circle, ascending.
func (g *Graph) CircleMembers(circle int) []uint64 {
	if circle < 0 || circle >= len(g.circles) {
		return nil
	}
	out := make([]uint64, 0, len(g.circles[circle]))
	for _, i := range g.circles[circle] {
		out = append(out, g.ids[i])
	}
	return out
}

// SourceWeight scores a like from liker on author's content. Same-circle
// likes are nearly muted; a reciprocated interaction below circle strength
// counts as adjacent; anything one-way is distant and carries the full
// boost. Note the graph already contains the scored like's own edge
// from liker to author, so only reciprocation can distinguish familiarity.
func (g *Graph) SourceWeight(liker, author uint64) float64 {
	c := g.econ.Collusion
	if g.SameCircle(liker, author) {
		return c.SameCircleWeight
	}
	li, lok := g.index[liker]
	ai, aok := g.index[author]
	if lok && aok && g.mutualWeight(li, ai) > 0 {
		return c.AdjacentCircleWeight
	}
	return c.DistantCircleWeight
}

// circleEdgeStats returns (internal, total) directed edge units touching
// the circle's members.
func (g *Graph) circleEdgeStats(circle int) (int, int) {
	if circle < 0 || circle >= len(g.circles) {
		return 0, 0
	}
	in := make(map[int]bool, len(g.circles[circle]))
	for _, m := range g.circles[circle] {
		in[m] = true
	}
	internal, total := 0, 0
	for src, edges := range g.out {
		for dst, n := range edges {
			srcIn, dstIn := in[src], in[dst]
			if !srcIn && !dstIn {
				continue
			}
			total += n
			if srcIn && dstIn {
				internal += n
			}
		}
	}
	return internal, total
}
