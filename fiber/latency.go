package fiber

import (
	"sync"
	"time"
)

// quantile is a P-square streaming estimator of a single quantile (Jain
// and Chlamtac, 1985). It keeps five markers, updated in O(1).
type quantile struct {
	p       float64
	heights [5]float64
	pos     [5]int
	want    [5]float64
	step    [5]float64
	count   int
}

func newQuantile(p float64) quantile {
	return quantile{
		p:    p,
		step: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (x *quantile) add(v float64) {
	x.count++
	if x.count <= 5 {
		// insertion into the sorted prefix
		i := x.count - 1
		for i > 0 && x.heights[i-1] > v {
			x.heights[i] = x.heights[i-1]
			i--
		}
		x.heights[i] = v
		if x.count == 5 {
			for i := range x.pos {
				x.pos[i] = i
			}
			x.want = [5]float64{0, 2 * x.p, 4 * x.p, 2 + 2*x.p, 4}
		}
		return
	}

	var k int
	switch {
	case v < x.heights[0]:
		x.heights[0] = v
	case v >= x.heights[4]:
		x.heights[4] = v
		k = 3
	default:
		for k = 0; k < 3 && v >= x.heights[k+1]; k++ {
		}
	}
	for i := k + 1; i < 5; i++ {
		x.pos[i]++
	}
	for i := range x.want {
		x.want[i] += x.step[i]
	}

	for i := 1; i < 4; i++ {
		d := x.want[i] - float64(x.pos[i])
		if !(d >= 1 && x.pos[i+1]-x.pos[i] > 1) && !(d <= -1 && x.pos[i-1]-x.pos[i] < -1) {
			continue
		}
		s := 1
		if d < 0 {
			s = -1
		}
		if h := x.parabolic(i, s); x.heights[i-1] < h && h < x.heights[i+1] {
			x.heights[i] = h
		} else {
			x.heights[i] += float64(s) * (x.heights[i+s] - x.heights[i]) / float64(x.pos[i+s]-x.pos[i])
		}
		x.pos[i] += s
	}
}

func (x *quantile) parabolic(i, s int) float64 {
	d := float64(s)
	n0, n1, n2 := float64(x.pos[i-1]), float64(x.pos[i]), float64(x.pos[i+1])
	h0, h1, h2 := x.heights[i-1], x.heights[i], x.heights[i+1]
	return h1 + d/(n2-n0)*((n1-n0+d)*(h2-h1)/(n2-n1)+(n2-n1-d)*(h1-h0)/(n1-n0))
}

func (x *quantile) value() float64 {
	switch {
	case x.count == 0:
		return 0
	case x.count < 5:
		return x.heights[int(float64(x.count-1)*x.p)]
	default:
		return x.heights[2]
	}
}

// latency tracks how long fibers sit runnable before a worker runs them.
// The owning worker records, anyone may snapshot.
type latency struct {
	mu  *sync.Mutex
	p50 quantile
	p99 quantile
	max time.Duration
	n   uint64
}

func newLatency() latency {
	return latency{
		mu:  new(sync.Mutex),
		p50: newQuantile(0.50),
		p99: newQuantile(0.99),
	}
}

func (x *latency) record(d time.Duration) {
	x.mu.Lock()
	x.p50.add(float64(d))
	x.p99.add(float64(d))
	if d > x.max {
		x.max = d
	}
	x.n++
	x.mu.Unlock()
}

func (x *latency) snapshot() (p50, p99, max time.Duration, n uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return time.Duration(x.p50.value()), time.Duration(x.p99.value()), x.max, x.n
}
