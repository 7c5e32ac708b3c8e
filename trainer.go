package aperture

// Hierarchical k-means training.
//
// Each recursion step clusters a parent node's feature subset into at most k
// groups, appends one child node per group with the group centroid as its
// descriptor, and recurses on groups of more than one feature while the
// depth budget allows. Features are views into the caller's descriptor
// buffers; only centroids are copied into the tree.

// hkmeansStep clusters features under parentID at the given depth.
// Must be called with the write lock held, during Create.
func (vc *Vocabulary) hkmeansStep(parentID NodeID, features [][]float32, level int) {
	if len(features) == 0 {
		return
	}

	dim := vc.params.DescriptorLength
	k := vc.params.K

	// centroid of each cluster, and for each cluster the indices of its
	// assigned features
	var clusters [][]float32
	var groups [][]int

	if len(features) <= k {
		// trivial case: each feature is its own cluster
		clusters = make([][]float32, len(features))
		groups = make([][]int, len(features))
		for i, f := range features {
			c := make([]float32, dim)
			copy(c, f)
			clusters[i] = c
			groups[i] = []int{i}
		}
	} else {
		clusters = vc.seedClustersPlusPlus(features)

		// Lloyd iterations: assign, then recompute means, until the
		// assignment vector stops changing. Convergence is defined by
		// assignment stability alone, not by centroid movement.
		var last []int
		current := make([]int, len(features))

		for {
			groups = make([][]int, len(clusters))
			for fi, f := range features {
				best := 0
				bestSqd := sqDistance(f, clusters[0])
				for ci := 1; ci < len(clusters); ci++ {
					if sqd := sqDistance(f, clusters[ci]); sqd < bestSqd {
						bestSqd = sqd
						best = ci
					}
				}
				groups[best] = append(groups[best], fi)
				current[fi] = best
			}

			if last != nil && intsEqual(last, current) {
				break
			}
			if last == nil {
				last = make([]int, len(current))
			}
			copy(last, current)

			for ci := range clusters {
				if len(groups[ci]) == 0 {
					// an emptied cluster keeps its old centroid; it may
					// attract features again on a later iteration
					continue
				}
				c := clusters[ci]
				for d := range c {
					c[d] = 0
				}
				for _, fi := range groups[ci] {
					f := features[fi]
					for d := range c {
						c[d] += f[d]
					}
				}
				inv := 1 / float32(len(groups[ci]))
				for d := range c {
					c[d] *= inv
				}
			}
		}
	}

	// k-means done; emit one child per cluster, in cluster order
	children := make([]NodeID, len(clusters))
	for i, c := range clusters {
		id := NodeID(len(vc.nodes))
		vc.nodes = append(vc.nodes, node{id: id, descriptor: c, word: noWord})
		vc.nodes[parentID].children = append(vc.nodes[parentID].children, id)
		children[i] = id
	}

	if level < vc.params.L {
		for i, g := range groups {
			if len(g) > 1 {
				sub := make([][]float32, len(g))
				for j, fi := range g {
					sub[j] = features[fi]
				}
				vc.hkmeansStep(children[i], sub, level+1)
			}
		}
	}
}

// seedClustersPlusPlus picks initial centroids with k-means++ seeding:
// the first uniformly at random, each further one with probability
// proportional to its squared distance to the nearest centroid chosen so
// far. Stops early when no candidate has positive residual distance, in
// which case fewer than k clusters are returned.
func (vc *Vocabulary) seedClustersPlusPlus(features [][]float32) [][]float32 {
	dim := vc.params.DescriptorLength
	k := vc.params.K

	used := make([]bool, len(features))
	clusters := make([][]float32, 0, k)

	pick := func(fi int) {
		used[fi] = true
		c := make([]float32, dim)
		copy(c, features[fi])
		clusters = append(clusters, c)
	}

	pick(vc.rng.Intn(len(features)))

	sqds := make([]float64, 0, len(features))
	candidates := make([]int, 0, len(features))

	for len(clusters) < k {
		sqds = sqds[:0]
		candidates = candidates[:0]

		for fi, f := range features {
			if used[fi] {
				continue
			}
			min := sqDistance(f, clusters[0])
			for _, c := range clusters[1:] {
				if sqd := sqDistance(f, c); sqd < min {
					min = sqd
				}
			}
			sqds = append(sqds, min)
			candidates = append(candidates, fi)
		}

		var total float64
		for _, d := range sqds {
			total += d
		}
		if total <= 0 {
			// every remaining feature coincides with a centroid
			break
		}

		var cut float64
		for cut == 0 {
			cut = vc.rng.Float64() * total
		}

		chosen := len(sqds) - 1
		var acc float64
		for i, d := range sqds {
			acc += d
			if acc >= cut {
				chosen = i
				break
			}
		}

		pick(candidates[chosen])
	}

	return clusters
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
