package fiberloop

import "time"

// quantileMarker is one streaming P-Square quantile estimator (Jain &
// Chlamtac, 1985, "The P^2 Algorithm for Dynamic Calculation of Quantiles
// and Histograms Without Storing Observations", CACM 28(10)): five tracked
// markers give an O(1)-per-observation, O(1)-to-read estimate of a single
// target quantile without retaining the sample stream.
//
// Trimmed to exactly what LatencyMetrics.Sample needs: Update and the
// current estimate. Not safe for concurrent use; LatencyMetrics.mu covers
// every access from the one caller, fiberResumeQuantiles.
type quantileMarker struct {
	p float64

	q  [5]float64 // marker heights
	n  [5]int     // marker positions
	np [5]float64 // desired (idealized) marker positions
	dn [5]float64 // increments for np, per observation

	count      int
	initBuffer [5]float64 // first 5 observations, before the markers exist
}

func newQuantileMarker(p float64) quantileMarker {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return quantileMarker{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// update folds in one observation in O(1).
func (m *quantileMarker) update(x float64) {
	m.count++

	if m.count <= 5 {
		m.initBuffer[m.count-1] = x
		if m.count == 5 {
			m.seed()
		}
		return
	}

	var k int
	switch {
	case x < m.q[0]:
		m.q[0] = x
		k = 0
	case x >= m.q[4]:
		m.q[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if m.q[k] <= x && x < m.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		m.n[i]++
	}
	for i := 0; i < 5; i++ {
		m.np[i] += m.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := m.np[i] - float64(m.n[i])
		if (d >= 1 && m.n[i+1]-m.n[i] > 1) || (d <= -1 && m.n[i-1]-m.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := m.parabolic(i, sign)
			if m.q[i-1] < qPrime && qPrime < m.q[i+1] {
				m.q[i] = qPrime
			} else {
				m.q[i] = m.linear(i, sign)
			}
			m.n[i] += sign
		}
	}
}

// seed initializes the five markers from the first five observations,
// sorted, once enough have arrived.
func (m *quantileMarker) seed() {
	for i := 1; i < 5; i++ {
		key := m.initBuffer[i]
		j := i - 1
		for j >= 0 && m.initBuffer[j] > key {
			m.initBuffer[j+1] = m.initBuffer[j]
			j--
		}
		m.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		m.q[i] = m.initBuffer[i]
		m.n[i] = i
	}
	m.np = [5]float64{0, 2 * m.p, 4 * m.p, 2 + 2*m.p, 4}
}

func (m *quantileMarker) parabolic(i, d int) float64 {
	df := float64(d)
	ni, niPrev, niNext := float64(m.n[i]), float64(m.n[i-1]), float64(m.n[i+1])
	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (m.q[i+1] - m.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (m.q[i] - m.q[i-1]) / (ni - niPrev)
	return m.q[i] + term1*(term2+term3)
}

func (m *quantileMarker) linear(i, d int) float64 {
	if d == 1 {
		return m.q[i] + (m.q[i+1]-m.q[i])/float64(m.n[i+1]-m.n[i])
	}
	return m.q[i] - (m.q[i]-m.q[i-1])/float64(m.n[i]-m.n[i-1])
}

// value returns the current quantile estimate. Below 5 observations it
// falls back to sorting the raw buffer instead of running the marker math,
// matching the source's exact-path fallback for the undersized case.
func (m *quantileMarker) value() float64 {
	if m.count == 0 {
		return 0
	}
	if m.count < 5 {
		sorted := m.initBuffer
		n := m.count
		for i := 1; i < n; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		idx := int(float64(n-1) * m.p)
		if idx >= n {
			idx = n - 1
		}
		return sorted[idx]
	}
	return m.q[2]
}

// fiberResumeQuantiles tracks the four percentiles LatencyMetrics.Sample
// reports (P50/P90/P95/P99) plus the running max, as one streaming
// estimator over Fiber.Resume durations. One quantileMarker per tracked
// percentile, run side by side against the same observation stream.
//
// Not safe for concurrent use; LatencyMetrics.mu covers every access.
type fiberResumeQuantiles struct {
	p50, p90, p95, p99 quantileMarker
	max                time.Duration
}

func newFiberResumeQuantiles() *fiberResumeQuantiles {
	return &fiberResumeQuantiles{
		p50: newQuantileMarker(0.50),
		p90: newQuantileMarker(0.90),
		p95: newQuantileMarker(0.95),
		p99: newQuantileMarker(0.99),
	}
}

// Update folds one Fiber.Resume duration into all four estimators.
func (f *fiberResumeQuantiles) Update(d time.Duration) {
	x := float64(d)
	f.p50.update(x)
	f.p90.update(x)
	f.p95.update(x)
	f.p99.update(x)
	if d > f.max {
		f.max = d
	}
}

func (f *fiberResumeQuantiles) P50() time.Duration { return time.Duration(f.p50.value()) }
func (f *fiberResumeQuantiles) P90() time.Duration { return time.Duration(f.p90.value()) }
func (f *fiberResumeQuantiles) P95() time.Duration { return time.Duration(f.p95.value()) }
func (f *fiberResumeQuantiles) P99() time.Duration { return time.Duration(f.p99.value()) }
func (f *fiberResumeQuantiles) Max() time.Duration { return f.max }
