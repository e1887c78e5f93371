package figures

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tidwall/rtree"

	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/scanner"
)

// unionFind groups primitive indices into connected components.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

// cluster is one connected group of vector primitives.
type cluster struct {
	members []int
	box     geom.Rect
}

// regionIndex answers "is this box mostly inside a claimed region" queries.
type regionIndex struct {
	tree rtree.RTreeG[geom.Rect]
}

func (x *regionIndex) add(r geom.Rect) {
	x.tree.Insert(r.Min(), r.Max(), r)
}

// covers reports whether more than half of box lies inside one region.
func (x *regionIndex) covers(box geom.Rect) bool {
	hit := false
	x.tree.Search(box.Min(), box.Max(), func(_, _ [2]float64, r geom.Rect) bool {
		if box.OverlapRatio(r) > 0.5 {
			hit = true
			return false
		}
		return true
	})
	return hit
}

// maxOverlap returns the largest share of box covered by any region.
func (x *regionIndex) maxOverlap(box geom.Rect) float64 {
	var best float64
	x.tree.Search(box.Min(), box.Max(), func(_, _ [2]float64, r geom.Rect) bool {
		if o := box.OverlapRatio(r); o > best {
			best = o
		}
		return true
	})
	return best
}

// clusterPaths returns the indices of the eligible primitives and their
// connected components. Two primitives connect when their boxes lie within
// gap points of each other.
func clusterPaths(paths []scanner.Primitive, claimed *regionIndex, gap float64) ([]int, []cluster) {
	var eligible []int
	for i, p := range paths {
		if claimed.covers(p.Box) {
			continue
		}
		eligible = append(eligible, i)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	var tree rtree.RTreeG[int]
	for k, i := range eligible {
		b := paths[i].Box
		tree.Insert(b.Min(), b.Max(), k)
	}

	uf := newUnionFind(len(eligible))
	for k, i := range eligible {
		q := paths[i].Box.Expand(gap)
		tree.Search(q.Min(), q.Max(), func(_, _ [2]float64, j int) bool {
			if j != k && paths[i].Box.Gap(paths[eligible[j]].Box) <= gap {
				uf.union(k, j)
			}
			return true
		})
	}

	byRoot := make(map[int]*cluster)
	var order []int
	for k, i := range eligible {
		root := uf.find(k)
		c, ok := byRoot[root]
		if !ok {
			c = &cluster{}
			byRoot[root] = c
			order = append(order, root)
		}
		c.members = append(c.members, i)
		c.box = c.box.Union(paths[i].Box)
	}

	clusters := make([]cluster, 0, len(order))
	for _, root := range order {
		clusters = append(clusters, *byRoot[root])
	}
	sort.SliceStable(clusters, func(a, b int) bool { return clusters[a].members[0] < clusters[b].members[0] })
	return eligible, clusters
}

// vectorCandidates applies the size, count and shape filters to clusters
// and drops candidates that overlap a raster figure or a table beyond
// tolerance.
func vectorCandidates(page *scanner.Page, clusters []cluster, rasters, tables *regionIndex, opts Options) ([]candidate, []Dropped) {
	var (
		out     []candidate
		dropped []Dropped
	)
	for _, c := range clusters {
		box := c.box.Clip(page.Bounds())
		switch {
		case len(c.members) < opts.MinClusterPrimitives:
			continue
		case box.Width() < opts.MinFigureSide || box.Height() < opts.MinFigureSide:
			slog.Debug("figures: cluster discarded", "page", page.Index, "reason", "too small",
				"width", box.Width(), "height", box.Height())
			continue
		case box.AspectRatio() > opts.MaxAspectRatio:
			slog.Debug("figures: cluster discarded", "page", page.Index, "reason", "aspect ratio",
				"aspect", box.AspectRatio())
			continue
		}
		if o := rasters.maxOverlap(box); o > opts.TierOverlapTolerance {
			dropped = append(dropped, Dropped{
				Page:   page.Index,
				Box:    box,
				Tier:   TierVector,
				Reason: fmt.Sprintf("overlaps raster figure by %.0f%%", o*100),
			})
			continue
		}
		if o := tables.maxOverlap(box); o > opts.TierOverlapTolerance {
			dropped = append(dropped, Dropped{
				Page:   page.Index,
				Box:    box,
				Tier:   TierVector,
				Reason: fmt.Sprintf("overlaps table by %.0f%%", o*100),
			})
			continue
		}
		out = append(out, candidate{box: box, tier: TierVector, members: c.members})
	}
	return out, dropped
}
