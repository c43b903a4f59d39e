package loadtest

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates metrics from many clients. It is safe for concurrent
// use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	joinLatencies    []time.Duration
	msgLatencies     []time.Duration
	connections      int
	sent             int
	rateLimited      int
	errors           int
	startTime        time.Time
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddClient folds one finished client's counters in.
func (c *Collector) AddClient(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connections++
	c.connectLatencies = append(c.connectLatencies, m.ConnectLatency)
	if m.JoinLatency > 0 {
		c.joinLatencies = append(c.joinLatencies, m.JoinLatency)
	}
	c.sent += m.MessagesSent
	c.rateLimited += m.RateLimited
	c.errors += m.Errors
}

// AddMsgLatency records one probe round trip.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

// AddError counts a failure outside any client, such as a refused dial.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Summary is the aggregate of a run.
type Summary struct {
	Duration    time.Duration
	Connections int
	Sent        int
	RateLimited int
	Errors      int
	Connect     Percentiles
	Join        Percentiles
	Message     Percentiles
}

// Percentiles summarises a latency sample. N is zero for an empty sample.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summary computes the aggregate so far.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		Duration:    time.Since(c.startTime),
		Connections: c.connections,
		Sent:        c.sent,
		RateLimited: c.rateLimited,
		Errors:      c.errors,
		Connect:     percentiles(c.connectLatencies),
		Join:        percentiles(c.joinLatencies),
		Message:     percentiles(c.msgLatencies),
	}
}

func percentiles(in []time.Duration) Percentiles {
	n := len(in)
	if n == 0 {
		return Percentiles{}
	}
	d := slices.Clone(in)
	slices.Sort(d)

	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	rank := func(q float64) time.Duration {
		return d[int(math.Ceil(float64(n)*q))-1]
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: d[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: d[n-1],
	}
}

// Report writes a human-readable summary to w.
func (s Summary) Report(w io.Writer) {
	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:      %s\n", s.Duration.Round(time.Second))
	fmt.Fprintf(w, "Connections:   %d\n", s.Connections)
	fmt.Fprintf(w, "Messages sent: %d\n", s.Sent)
	fmt.Fprintf(w, "Rate limited:  %d\n", s.RateLimited)
	fmt.Fprintf(w, "Errors:        %d\n", s.Errors)
	for _, row := range []struct {
		name string
		p    Percentiles
	}{{"Connect", s.Connect}, {"Join", s.Join}, {"Message", s.Message}} {
		if row.p.N == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s Latency ---\n", row.name)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			row.p.Avg.Round(time.Microsecond),
			row.p.P50.Round(time.Microsecond),
			row.p.P95.Round(time.Microsecond),
			row.p.P99.Round(time.Microsecond),
			row.p.Max.Round(time.Microsecond),
			row.p.N,
		)
	}
	fmt.Fprintln(w)
}
