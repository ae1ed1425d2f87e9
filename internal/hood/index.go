package hood

import (
	"fmt"
	"math"
	"sort"
)

// Neighbor is one entry of a cell's neighbor set.
type Neighbor struct {
	Index    int     // index of the neighbor cell in the dataset
	ID       string  // neighbor cell identifier
	Distance float64 // Euclidean distance, non-negative
}

// SpatialIndex is a 2D k-d tree over cell centroids. It is immutable after
// construction and safe for concurrent queries.
type SpatialIndex struct {
	cells []Cell
	nodes []kdNode
	root  int32
}

type kdNode struct {
	cell  int32 // index into cells
	left  int32 // node index, -1 if none
	right int32
	axis  uint8 // 0 = x, 1 = y
}

// NewSpatialIndex builds a k-d tree over the dataset's cell centroids.
func NewSpatialIndex(ds *Dataset) *SpatialIndex {
	idx := &SpatialIndex{
		cells: ds.cells,
		nodes: make([]kdNode, 0, len(ds.cells)),
		root:  -1,
	}
	if len(ds.cells) == 0 {
		return idx
	}
	order := make([]int32, len(ds.cells))
	for i := range order {
		order[i] = int32(i)
	}
	idx.root = idx.build(order, 0)
	return idx
}

// Len returns the number of indexed cells.
func (idx *SpatialIndex) Len() int { return len(idx.cells) }

func (idx *SpatialIndex) build(order []int32, depth int) int32 {
	if len(order) == 0 {
		return -1
	}
	axis := uint8(depth % 2)

	// Sort by the split coordinate; ties fall back to the original cell
	// index so the tree shape is deterministic for identical inputs.
	sort.Slice(order, func(a, b int) bool {
		ca, cb := idx.coord(order[a], axis), idx.coord(order[b], axis)
		if ca != cb {
			return ca < cb
		}
		return order[a] < order[b]
	})

	mid := len(order) / 2
	node := kdNode{cell: order[mid], axis: axis, left: -1, right: -1}
	pos := int32(len(idx.nodes))
	idx.nodes = append(idx.nodes, node)

	left := idx.build(order[:mid], depth+1)
	right := idx.build(order[mid+1:], depth+1)
	idx.nodes[pos].left = left
	idx.nodes[pos].right = right
	return pos
}

func (idx *SpatialIndex) coord(cell int32, axis uint8) float64 {
	if axis == 0 {
		return idx.cells[cell].X
	}
	return idx.cells[cell].Y
}

// KNearest returns the k nearest cells to the cell at index i, excluding the
// cell itself, sorted ascending by distance. Distance ties are broken by
// ascending original cell index. Fails with ErrInvalidK when k <= 0 or
// k >= N (not enough other cells).
func (idx *SpatialIndex) KNearest(i, k int) ([]Neighbor, error) {
	n := len(idx.cells)
	if k <= 0 || k >= n {
		return nil, fmt.Errorf("k=%d with %d cells: %w", k, n, ErrInvalidK)
	}
	if i < 0 || i >= n {
		return nil, fmt.Errorf("cell index %d out of range [0, %d)", i, n)
	}

	q := idx.cells[i]
	best := candidateList{limit: k}
	idx.search(idx.root, q.X, q.Y, int32(i), &best)

	out := make([]Neighbor, len(best.items))
	for j, c := range best.items {
		out[j] = Neighbor{
			Index:    int(c.cell),
			ID:       idx.cells[c.cell].ID,
			Distance: math.Sqrt(c.dist2),
		}
	}
	return out, nil
}

type candidate struct {
	dist2 float64
	cell  int32
}

// candidateList keeps the best (lowest) k candidates ordered by
// (squared distance, cell index). k is small in practice, so plain
// insertion beats a heap and keeps ordering fully deterministic.
type candidateList struct {
	items []candidate
	limit int
}

func (cl *candidateList) worst() float64 {
	if len(cl.items) < cl.limit {
		return math.Inf(1)
	}
	return cl.items[len(cl.items)-1].dist2
}

func (cl *candidateList) add(c candidate) {
	pos := sort.Search(len(cl.items), func(j int) bool {
		it := cl.items[j]
		if it.dist2 != c.dist2 {
			return it.dist2 > c.dist2
		}
		return it.cell > c.cell
	})
	if pos >= cl.limit {
		return
	}
	if len(cl.items) < cl.limit {
		cl.items = append(cl.items, candidate{})
	}
	copy(cl.items[pos+1:], cl.items[pos:])
	cl.items[pos] = c
}

func (idx *SpatialIndex) search(node int32, qx, qy float64, skip int32, best *candidateList) {
	if node < 0 {
		return
	}
	nd := idx.nodes[node]
	c := idx.cells[nd.cell]

	if nd.cell != skip {
		dx := c.X - qx
		dy := c.Y - qy
		// add rejects candidates that do not beat the current worst on the
		// (distance, index) ordering, so no pre-check is needed.
		best.add(candidate{dist2: dx*dx + dy*dy, cell: nd.cell})
	}

	var delta float64
	if nd.axis == 0 {
		delta = qx - c.X
	} else {
		delta = qy - c.Y
	}

	near, far := nd.left, nd.right
	if delta > 0 {
		near, far = nd.right, nd.left
	}

	idx.search(near, qx, qy, skip, best)
	// The far side can hold equal-distance ties, so prune with <=.
	if delta*delta <= best.worst() || len(best.items) < best.limit {
		idx.search(far, qx, qy, skip, best)
	}
}
