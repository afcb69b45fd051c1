package stroke

import "math"

// DirectionComparator scores strokes by how closely their segment directions
// agree after resampling both to the same number of points. It stands in for
// a real shape matcher when the daemon runs without one.
type DirectionComparator struct {
	// Samples is the number of points both strokes are resampled to.
	Samples int
	// Threshold is the minimum score counted as a match.
	Threshold float64
}

// NewDirectionComparator returns a comparator with the given match threshold.
func NewDirectionComparator(threshold float64) *DirectionComparator {
	return &DirectionComparator{Samples: 32, Threshold: threshold}
}

// Compare implements Comparator.
func (c *DirectionComparator) Compare(a, b *Stroke) (bool, float64) {
	if a == nil || b == nil || a.Trivial || b.Trivial {
		return false, 0
	}
	if len(a.Points) < 2 || len(b.Points) < 2 {
		return false, 0
	}

	n := c.Samples
	if n < 3 {
		n = 3
	}
	ra := resample(a.Points, n)
	rb := resample(b.Points, n)

	var sum float64
	for i := 1; i < n; i++ {
		sum += cosine(ra[i].X-ra[i-1].X, ra[i].Y-ra[i-1].Y, rb[i].X-rb[i-1].X, rb[i].Y-rb[i-1].Y)
	}
	// Mean cosine is in [-1,1]; map to [0,1].
	score := (sum/float64(n-1) + 1) / 2
	return score >= c.Threshold, score
}

func cosine(ax, ay, bx, by float64) float64 {
	la := math.Hypot(ax, ay)
	lb := math.Hypot(bx, by)
	if la == 0 || lb == 0 {
		return 0
	}
	return (ax*bx + ay*by) / (la * lb)
}

// resample returns n points spaced evenly along the path of pts.
func resample(pts []Point, n int) []Point {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += math.Hypot(pts[i].X-pts[i-1].X, pts[i].Y-pts[i-1].Y)
	}
	out := make([]Point, 0, n)
	out = append(out, pts[0])
	if total == 0 {
		for len(out) < n {
			out = append(out, pts[0])
		}
		return out
	}

	step := total / float64(n-1)
	var acc float64
	prev := pts[0]
	for i := 1; i < len(pts) && len(out) < n; i++ {
		cur := pts[i]
		d := math.Hypot(cur.X-prev.X, cur.Y-prev.Y)
		for d > 0 && acc+d >= step && len(out) < n {
			f := (step - acc) / d
			p := Point{X: prev.X + f*(cur.X-prev.X), Y: prev.Y + f*(cur.Y-prev.Y)}
			out = append(out, p)
			prev = p
			d = math.Hypot(cur.X-prev.X, cur.Y-prev.Y)
			acc = 0
		}
		acc += d
		prev = cur
	}
	last := pts[len(pts)-1]
	for len(out) < n {
		out = append(out, last)
	}
	return out
}
