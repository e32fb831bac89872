package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxResponseSamples = 1000

// Metrics is the in-memory per-node view behind the JSON handler.
type Metrics struct {
	mutex         sync.RWMutex
	requests      map[string]int64
	selections    map[string]int64
	stages        map[string]int64
	probes        map[string]int64
	probeFailures map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	lastProbe     map[string]probeState
	selected      string
	startTime     time.Time
}

type probeState struct {
	ok              bool
	version         string
	blockDifference int64
	errorKind       string
	at              time.Time
}

type Snapshot struct {
	TotalRequests int64                  `json:"total_requests"`
	TotalProbes   int64                  `json:"total_probes"`
	Uptime        time.Duration          `json:"uptime"`
	Selected      string                 `json:"selected"`
	Stages        map[string]int64       `json:"stages"`
	Nodes         map[string]NodeMetrics `json:"nodes"`
}

type NodeMetrics struct {
	Requests        int64         `json:"requests"`
	Selections      int64         `json:"selections"`
	Probes          int64         `json:"probes"`
	ProbeFailures   int64         `json:"probe_failures"`
	Healthy         bool          `json:"healthy"`
	Version         string        `json:"version,omitempty"`
	BlockDifference int64         `json:"block_difference"`
	LastError       string        `json:"last_error,omitempty"`
	LastProbe       time.Time     `json:"last_probe,omitzero"`
	AvgResponse     time.Duration `json:"avg_response"`
	P50Response     time.Duration `json:"p50_response"`
	P95Response     time.Duration `json:"p95_response"`
	P99Response     time.Duration `json:"p99_response"`
	StatusCodes     map[int]int64 `json:"status_codes"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:      make(map[string]int64),
		selections:    make(map[string]int64),
		stages:        make(map[string]int64),
		probes:        make(map[string]int64),
		probeFailures: make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		lastProbe:     make(map[string]probeState),
		startTime:     time.Now(),
	}
}

// RecordHealthCheck stores the outcome of one probe of endpoint.
func (m *Metrics) RecordHealthCheck(event MetricEvent) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.probes[event.Endpoint]++
	if !event.OK {
		m.probeFailures[event.Endpoint]++
	}

	m.lastProbe[event.Endpoint] = probeState{
		ok:              event.OK,
		version:         event.Version,
		blockDifference: event.BlockDifference,
		errorKind:       event.ErrorKind,
		at:              event.Timestamp,
	}
}

// RecordRequest counts a routed request and its response.
func (m *Metrics) RecordRequest(endpoint string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.requests[endpoint]++

	m.responseTimes[endpoint] = append(m.responseTimes[endpoint], duration)
	if len(m.responseTimes[endpoint]) > maxResponseSamples {
		m.responseTimes[endpoint] = m.responseTimes[endpoint][1:]
	}

	if m.statusCodes[endpoint] == nil {
		m.statusCodes[endpoint] = make(map[int]int64)
	}
	m.statusCodes[endpoint][statusCode]++
}

// RecordSelection counts one Select outcome. An empty endpoint means no node
// was available.
func (m *Metrics) RecordSelection(endpoint, stage string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stages[stage]++
	m.selected = endpoint
	if endpoint != "" {
		m.selections[endpoint]++
	}
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:   time.Since(m.startTime),
		Selected: m.selected,
		Stages:   make(map[string]int64, len(m.stages)),
		Nodes:    make(map[string]NodeMetrics),
	}
	for stage, n := range m.stages {
		snap.Stages[stage] = n
	}

	allNodes := make(map[string]bool)
	for endpoint := range m.requests {
		allNodes[endpoint] = true
	}
	for endpoint := range m.selections {
		allNodes[endpoint] = true
	}
	for endpoint := range m.probes {
		allNodes[endpoint] = true
	}

	for endpoint := range allNodes {
		snap.TotalRequests += m.requests[endpoint]
		snap.TotalProbes += m.probes[endpoint]

		probe := m.lastProbe[endpoint]
		nm := NodeMetrics{
			Requests:        m.requests[endpoint],
			Selections:      m.selections[endpoint],
			Probes:          m.probes[endpoint],
			ProbeFailures:   m.probeFailures[endpoint],
			Healthy:         probe.ok,
			Version:         probe.version,
			BlockDifference: probe.blockDifference,
			LastError:       probe.errorKind,
			LastProbe:       probe.at,
			StatusCodes:     make(map[int]int64, len(m.statusCodes[endpoint])),
		}
		for code, n := range m.statusCodes[endpoint] {
			nm.StatusCodes[code] = n
		}

		durations := m.responseTimes[endpoint]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			nm.AvgResponse = average(sorted)
			nm.P50Response = percentile(sorted, 0.50)
			nm.P95Response = percentile(sorted, 0.95)
			nm.P99Response = percentile(sorted, 0.99)
		}

		snap.Nodes[endpoint] = nm
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
