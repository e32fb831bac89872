package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/node-selector/internal/metrics"
)

const node1 = "https://dn1.example"

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("RecordRequest", func() {
		It("should count requests per node", func() {
			m.RecordRequest(node1, 10*time.Millisecond, 200)
			m.RecordRequest(node1, 10*time.Millisecond, 200)
			m.RecordRequest("https://dn2.example", 10*time.Millisecond, 200)

			snap := m.Snapshot()
			Expect(snap.TotalRequests).To(Equal(int64(3)))
			Expect(snap.Nodes[node1].Requests).To(Equal(int64(2)))
		})

		It("should record response time and status code", func() {
			m.RecordRequest(node1, 100*time.Millisecond, 200)
			m.RecordRequest(node1, 200*time.Millisecond, 502)

			node := m.Snapshot().Nodes[node1]
			Expect(node.AvgResponse).To(Equal(150 * time.Millisecond))
			Expect(node.StatusCodes).To(Equal(map[int]int64{200: 1, 502: 1}))
		})

		It("should calculate percentiles correctly", func() {
			for i := 1; i <= 100; i++ {
				m.RecordRequest(node1, time.Duration(i)*time.Millisecond, 200)
			}

			node := m.Snapshot().Nodes[node1]
			Expect(node.P50Response).To(BeNumerically("~", 50*time.Millisecond, time.Millisecond))
			Expect(node.P95Response).To(BeNumerically("~", 95*time.Millisecond, time.Millisecond))
			Expect(node.P99Response).To(BeNumerically("~", 99*time.Millisecond, time.Millisecond))
		})

		It("should keep only the latest 1000 samples", func() {
			for i := 1; i <= 1500; i++ {
				m.RecordRequest(node1, time.Duration(i)*time.Millisecond, 200)
			}

			Expect(m.Snapshot().Nodes[node1].AvgResponse).To(BeNumerically(">", 500*time.Millisecond))
		})
	})

	Describe("RecordHealthCheck", func() {
		It("should keep the latest probe state", func() {
			m.RecordHealthCheck(metrics.MetricEvent{Endpoint: node1, OK: true, Version: "1.2.3", BlockDifference: 4})
			m.RecordHealthCheck(metrics.MetricEvent{Endpoint: node1, OK: false, ErrorKind: "timeout"})

			node := m.Snapshot().Nodes[node1]
			Expect(node.Probes).To(Equal(int64(2)))
			Expect(node.ProbeFailures).To(Equal(int64(1)))
			Expect(node.Healthy).To(BeFalse())
			Expect(node.LastError).To(Equal("timeout"))
		})
	})

	Describe("RecordSelection", func() {
		It("should track the selected node and deciding stages", func() {
			m.RecordSelection(node1, "selected_healthy")
			m.RecordSelection(node1, "short_circuit")
			m.RecordSelection("", "exhausted")

			snap := m.Snapshot()
			Expect(snap.Selected).To(BeEmpty())
			Expect(snap.Nodes[node1].Selections).To(Equal(int64(2)))
			Expect(snap.Stages).To(HaveKeyWithValue("exhausted", int64(1)))
		})
	})

	Describe("Snapshot", func() {
		It("should handle empty metrics", func() {
			snap := m.Snapshot()
			Expect(snap.TotalRequests).To(BeZero())
			Expect(snap.Nodes).To(BeEmpty())
		})

		It("should return an independent snapshot", func() {
			m.RecordRequest(node1, time.Millisecond, 200)
			snap1 := m.Snapshot()
			m.RecordRequest(node1, time.Millisecond, 200)

			Expect(snap1.Nodes[node1].StatusCodes[200]).To(Equal(int64(1)))
			Expect(m.Snapshot().TotalRequests).To(Equal(int64(2)))
		})
	})
})
