package selection_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/node-selector/internal/selection"
	"github.com/angeloszaimis/node-selector/internal/store"
	"github.com/angeloszaimis/node-selector/pkg/logger"
)

var _ = Describe("Selector", func() {
	var (
		ctx     context.Context
		reg     *fakeRegistry
		nodes   []*fakeNode
		mock    *clock.Mock
		monitor *recordingMonitor
		opts    selection.Options
	)

	BeforeEach(func() {
		ctx = context.Background()
		reg = &fakeRegistry{
			current:  "1.2.3",
			versions: []string{"1.0.0", "1.1.0", "1.2.0", "1.2.3"},
		}
		nodes = nil
		mock = clock.NewMock()
		mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		monitor = &recordingMonitor{}
		opts = selection.Options{
			RequestTimeout: time.Second,
			Store:          store.NewMemory(0),
			Monitor:        monitor,
			Clock:          mock,
			Logger:         logger.Discard(),
		}
	})

	AfterEach(func() {
		for _, n := range nodes {
			n.Close()
		}
	})

	node := func(version string, blockDiff int) *fakeNode {
		n := newFakeNode(version, blockDiff)
		nodes = append(nodes, n)
		reg.add(n.URL)
		return n
	}

	newSelector := func() *selection.Selector {
		s, err := selection.New(reg, opts)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	It("requires a registry", func() {
		_, err := selection.New(nil, opts)
		Expect(err).To(HaveOccurred())
	})

	It("starts idle and out of regressed mode", func() {
		s := newSelector()
		Expect(s.State()).To(Equal(selection.StateIdle))
		Expect(s.IsInRegressedMode()).To(BeFalse())
	})

	Describe("Select", func() {
		It("picks the first healthy node in registry order", func() {
			node("1.2.2", 0)
			healthy := node("1.2.3", 0)
			node("1.2.3", 1)

			endpoint, err := newSelector().Select(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoint).To(Equal(healthy.URL))
		})

		It("returns the cached selection without probing", func() {
			a := node("1.2.3", 0)
			s := newSelector()

			first, err := s.Select(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.hits.Load()).To(BeEquivalentTo(1))

			mock.Add(9 * time.Minute)
			second, err := s.Select(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
			Expect(a.hits.Load()).To(BeEquivalentTo(1))
		})

		It("probes again once the reselect timeout has passed", func() {
			a := node("1.2.3", 0)
			b := node("1.2.3", 0)
			s := newSelector()

			first, _ := s.Select(ctx)
			Expect(first).To(Equal(a.URL))

			a.set("1.2.3", 500)
			mock.Add(selection.DefaultReselectTimeout)

			second, err := s.Select(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(b.URL))
			Expect(a.hits.Load()).To(BeEquivalentTo(2))
		})

		It("returns an empty endpoint when nothing is usable", func() {
			n := node("1.2.3", 0)
			n.setStatus(500)
			node("0.1.0", 0)

			s := newSelector()
			endpoint, err := s.Select(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoint).To(BeEmpty())
			Expect(s.State()).To(Equal(selection.StateFailed))
		})

		It("returns an empty endpoint for an empty registry", func() {
			endpoint, err := newSelector().Select(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoint).To(BeEmpty())
		})

		It("does not cache an empty selection", func() {
			n := node("1.2.3", 0)
			n.setStatus(503)
			s := newSelector()

			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(BeEmpty())

			n.setStatus(200)

			endpoint, _ = s.Select(ctx)
			Expect(endpoint).To(Equal(n.URL))
		})

		It("wraps registry failures", func() {
			reg.err = errors.New("rpc unavailable")

			s := newSelector()
			_, err := s.Select(ctx)
			Expect(err).To(MatchError(selection.ErrRegistry))
			Expect(err.Error()).To(ContainSubstring("rpc unavailable"))
			Expect(s.State()).To(Equal(selection.StateFailed))
		})

		It("rejects an unparsable current version as a registry failure", func() {
			node("1.2.3", 0)
			reg.current = "latest"

			_, err := newSelector().Select(ctx)
			Expect(err).To(MatchError(selection.ErrRegistry))
			Expect(err).To(MatchError(selection.ErrInvalidVersion))
		})

		It("settles for a fresh backup on an older patch", func() {
			node("1.2.3", 40)
			backup := node("1.2.2", 2)

			s := newSelector()
			endpoint, err := s.Select(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoint).To(Equal(backup.URL))
			Expect(s.State()).To(Equal(selection.StateSelected))
			Expect(s.IsInRegressedMode()).To(BeFalse())
		})

		It("falls back to the least stale node in regressed mode", func() {
			node("1.2.3", 100)
			leastStale := node("1.2.2", 30)
			node("1.2.1", 50)

			s := newSelector()
			endpoint, err := s.Select(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoint).To(Equal(leastStale.URL))
			Expect(s.State()).To(Equal(selection.StateRegressed))
			Expect(s.IsInRegressedMode()).To(BeTrue())

			mock.Add(selection.DefaultRegressedModeTimeout)
			Expect(s.IsInRegressedMode()).To(BeTrue())

			mock.Add(time.Millisecond)
			Expect(s.IsInRegressedMode()).To(BeFalse())
		})

		It("leaves regressed mode on the next healthy selection", func() {
			stale := node("1.2.3", 100)
			s := newSelector()

			_, _ = s.Select(ctx)
			Expect(s.IsInRegressedMode()).To(BeTrue())

			stale.set("1.2.3", 0)
			Expect(s.ClearCached(ctx)).To(Succeed())

			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(stale.URL))
			Expect(s.IsInRegressedMode()).To(BeFalse())
		})

		It("fetches the version window once", func() {
			node("1.2.2", 0)
			s := newSelector()

			_, _ = s.Select(ctx)
			Expect(s.ClearCached(ctx)).To(Succeed())
			_, _ = s.Select(ctx)

			Expect(reg.versionCountCalls.Load()).To(BeEquivalentTo(1))
		})

		It("shares one round between concurrent callers", func() {
			a := node("1.2.3", 0)
			a.setDelay(100 * time.Millisecond)
			s := newSelector()

			var wg sync.WaitGroup
			results := make([]string, 8)
			for i := range results {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					endpoint, err := s.Select(ctx)
					Expect(err).NotTo(HaveOccurred())
					results[i] = endpoint
				}()
			}
			wg.Wait()

			Expect(a.hits.Load()).To(BeEquivalentTo(1))
			for _, r := range results {
				Expect(r).To(Equal(a.URL))
			}
		})

		It("finishes probing for a caller that gave up", func() {
			a := node("1.2.3", 0)
			a.setDelay(100 * time.Millisecond)
			s := newSelector()

			cctx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()

			endpoint, err := s.Select(cctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoint).To(Equal(a.URL))
		})
	})

	Describe("scenarios", func() {
		It("selects a lone current-version healthy node", func() {
			a := node("1.2.3", 0)
			s := newSelector()

			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(a.URL))
			Expect(s.IsInRegressedMode()).To(BeFalse())
		})

		It("skips a failing node regardless of order", func() {
			down := node("1.2.3", 0)
			down.setStatus(502)
			up := node("1.2.3", 0)

			endpoint, _ := newSelector().Select(ctx)
			Expect(endpoint).To(Equal(up.URL))
		})

		It("prefers a fresh older patch over a stale current version", func() {
			node("1.2.3", 100)
			fresh := node("1.2.2", 0)

			s := newSelector()
			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(fresh.URL))
			Expect(s.IsInRegressedMode()).To(BeFalse())
		})

		It("prefers the current version when both are fresh", func() {
			node("1.2.2", 0)
			current := node("1.2.3", 0)

			endpoint, _ := newSelector().Select(ctx)
			Expect(endpoint).To(Equal(current.URL))
		})

		It("returns nothing for a candidate below the version window", func() {
			node("1.1.9", 0)

			endpoint, _ := newSelector().Select(ctx)
			Expect(endpoint).To(BeEmpty())
		})

		It("breaks an all-stale tie by registry order", func() {
			reg.current = "1.2.0"
			reg.versions = []string{"1.2.0"}
			a := node("1.2.2", 20)
			node("1.2.3", 20)

			s := newSelector()
			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(a.URL))
			Expect(s.IsInRegressedMode()).To(BeTrue())
		})
	})

	Describe("staleness thresholds", func() {
		It("treats an enormous lag as stale", func() {
			huge := node("1.2.3", 0)
			huge.setRawBlockDiff("1e20")
			fresh := node("1.2.3", 3)

			s := newSelector()
			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(fresh.URL))
			Expect(s.IsInRegressedMode()).To(BeFalse())
		})

		It("only falls back to an enormous lag in regressed mode", func() {
			huge := node("1.2.3", 0)
			huge.setRawBlockDiff("1e20")

			s := newSelector()
			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(huge.URL))
			Expect(s.IsInRegressedMode()).To(BeTrue())
		})

		It("counts a fractional lag just over the threshold as stale", func() {
			n := node("1.2.3", 0)
			n.setRawBlockDiff("15.5")

			s := newSelector()
			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(n.URL))
			Expect(s.IsInRegressedMode()).To(BeTrue())
		})

		It("honors a configured threshold of zero", func() {
			opts.UnhealthyBlockDiff = ptr(int64(0))
			lagging := node("1.2.3", 5)

			s := newSelector()
			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(lagging.URL))
			Expect(s.IsInRegressedMode()).To(BeTrue())
		})

		It("still accepts a node with no lag under a zero threshold", func() {
			opts.UnhealthyBlockDiff = ptr(int64(0))
			node("1.2.3", 1)
			synced := node("1.2.3", 0)

			s := newSelector()
			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(synced.URL))
			Expect(s.IsInRegressedMode()).To(BeFalse())
		})

		It("defaults the threshold when none is set", func() {
			n := node("1.2.3", 15)

			s := newSelector()
			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(n.URL))
			Expect(s.IsInRegressedMode()).To(BeFalse())
		})

		It("is not affected by later writes to the caller's threshold", func() {
			diff := int64(0)
			opts.UnhealthyBlockDiff = &diff
			n := node("1.2.3", 5)

			s := newSelector()
			diff = 100

			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(n.URL))
			Expect(s.IsInRegressedMode()).To(BeTrue())
		})
	})

	It("reports a node serving another role as a failed health check", func() {
		other := node("1.2.3", 0)
		other.setService("content-node")

		endpoint, err := newSelector().Select(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(endpoint).To(BeEmpty())

		checks := monitor.healthChecks()
		Expect(checks).To(HaveLen(1))
		Expect(checks[0].OK).To(BeFalse())
		Expect(checks[0].ErrorKind).To(Equal("service_mismatch"))
	})

	Describe("whitelist and blacklist", func() {
		var a, b, c *fakeNode

		BeforeEach(func() {
			a = node("1.2.3", 0)
			b = node("1.2.3", 0)
			c = node("1.2.3", 0)
		})

		It("only probes whitelisted nodes", func() {
			opts.Whitelist = []string{c.URL}

			endpoint, _ := newSelector().Select(ctx)
			Expect(endpoint).To(Equal(c.URL))
			Expect(a.hits.Load()).To(BeZero())
			Expect(b.hits.Load()).To(BeZero())
		})

		It("never probes blacklisted nodes", func() {
			opts.Blacklist = []string{a.URL}

			endpoint, _ := newSelector().Select(ctx)
			Expect(endpoint).To(Equal(b.URL))
			Expect(a.hits.Load()).To(BeZero())
		})

		It("applies the blacklist on top of the whitelist", func() {
			opts.Whitelist = []string{a.URL, b.URL}
			opts.Blacklist = []string{a.URL}

			endpoint, _ := newSelector().Select(ctx)
			Expect(endpoint).To(Equal(b.URL))
		})

		It("drops a cached endpoint that is no longer allowed", func() {
			first, _ := newSelector().Select(ctx)
			Expect(first).To(Equal(a.URL))

			opts.Blacklist = []string{a.URL}
			endpoint, _ := newSelector().Select(ctx)
			Expect(endpoint).To(Equal(b.URL))
			Expect(a.hits.Load()).To(BeEquivalentTo(1))
		})

		It("skips excluded nodes without checking their health", func() {
			opts.Exclude = func(endpoint string) bool { return endpoint == a.URL }

			endpoint, _ := newSelector().Select(ctx)
			Expect(endpoint).To(Equal(b.URL))
			Expect(a.hits.Load()).To(BeZero())
		})

		It("moves off a cached endpoint once it is excluded and back when it is not", func() {
			var excluded sync.Map
			opts.Exclude = func(endpoint string) bool {
				_, ok := excluded.Load(endpoint)
				return ok
			}
			s := newSelector()

			first, _ := s.Select(ctx)
			Expect(first).To(Equal(a.URL))

			excluded.Store(a.URL, true)
			for range 3 {
				endpoint, _ := s.Select(ctx)
				Expect(endpoint).To(Equal(b.URL))
			}
			Expect(a.hits.Load()).To(BeEquivalentTo(1))
			Expect(b.hits.Load()).To(BeEquivalentTo(1))

			excluded.Delete(a.URL)
			Expect(s.ClearCached(ctx)).To(Succeed())
			endpoint, _ := s.Select(ctx)
			Expect(endpoint).To(Equal(a.URL))
		})

		It("checks no node when every node is excluded", func() {
			opts.Exclude = func(string) bool { return true }
			s := newSelector()

			for range 3 {
				endpoint, err := s.Select(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(endpoint).To(BeEmpty())
			}
			Expect(a.hits.Load() + b.hits.Load() + c.hits.Load()).To(BeZero())
		})

		It("records filtered candidates in the trace", func() {
			var trace []selection.Decision
			opts.Blacklist = []string{a.URL}
			opts.OnSelect = func(_ string, t []selection.Decision) { trace = t }

			_, _ = newSelector().Select(ctx)
			Expect(trace).To(ContainElement(SatisfyAll(
				HaveField("Stage", selection.StageFiltered),
				HaveField("Endpoint", a.URL),
				HaveField("Reason", "blacklisted"),
			)))
		})

		It("records excluded candidates in the trace", func() {
			var trace []selection.Decision
			opts.Exclude = func(endpoint string) bool { return endpoint == b.URL }
			opts.OnSelect = func(_ string, t []selection.Decision) { trace = t }

			_, _ = newSelector().Select(ctx)
			Expect(trace).To(ContainElement(SatisfyAll(
				HaveField("Stage", selection.StageFiltered),
				HaveField("Endpoint", b.URL),
				HaveField("Reason", "excluded"),
			)))
		})
	})

	Describe("callbacks", func() {
		It("reports the selection and its trace on every call", func() {
			a := node("1.2.3", 0)

			var (
				mu    sync.Mutex
				calls []string
				last  []selection.Decision
			)
			opts.OnSelect = func(endpoint string, trace []selection.Decision) {
				mu.Lock()
				defer mu.Unlock()
				calls = append(calls, endpoint)
				last = trace
			}

			s := newSelector()
			_, _ = s.Select(ctx)
			Expect(last[len(last)-1].Stage).To(Equal(selection.StageSelectedHealthy))

			_, _ = s.Select(ctx)
			Expect(calls).To(Equal([]string{a.URL, a.URL}))
			Expect(last).To(HaveLen(1))
			Expect(last[0].Stage).To(Equal(selection.StageShortCircuit))
		})

		It("survives a panicking selection callback", func() {
			a := node("1.2.3", 0)
			opts.OnSelect = func(string, []selection.Decision) { panic("boom") }

			endpoint, err := newSelector().Select(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoint).To(Equal(a.URL))
		})

		It("reports one health check per probe", func() {
			a := node("1.2.3", 0)
			b := node("1.2.3", 0)
			b.setStatus(500)

			_, _ = newSelector().Select(ctx)

			checks := monitor.healthChecks()
			Expect(checks).To(HaveLen(2))
			Expect(checks).To(ContainElement(SatisfyAll(
				HaveField("Endpoint", a.URL),
				HaveField("OK", true),
				HaveField("Version", "1.2.3"),
			)))
			Expect(checks).To(ContainElement(SatisfyAll(
				HaveField("Endpoint", b.URL),
				HaveField("OK", false),
				HaveField("StatusCode", 500),
			)))
		})

		It("forwards request reports to the monitor", func() {
			s := newSelector()
			s.ReportRequest(selection.RequestPayload{Endpoint: "https://dn.example", StatusCode: 200})

			Expect(monitor.requests).To(HaveLen(1))
			Expect(monitor.requests[0].Timestamp).To(Equal(mock.Now()))
		})
	})

	Describe("ClearUnhealthy", func() {
		It("forces a new round and resets the state", func() {
			a := node("1.2.3", 0)
			s := newSelector()

			_, _ = s.Select(ctx)
			Expect(s.State()).To(Equal(selection.StateSelected))

			Expect(s.ClearUnhealthy(ctx)).To(Succeed())
			Expect(s.State()).To(Equal(selection.StateIdle))
			_, ok := s.Cached(ctx)
			Expect(ok).To(BeFalse())

			_, _ = s.Select(ctx)
			Expect(a.hits.Load()).To(BeEquivalentTo(2))
		})
	})

	Describe("Watch", func() {
		It("refreshes the selection on every tick until cancelled", func() {
			a := node("1.2.3", 0)
			opts.ReselectTimeout = time.Minute
			s := newSelector()

			wctx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				s.Watch(wctx, time.Minute)
			}()

			Eventually(func() int32 {
				mock.Add(time.Minute)
				return a.hits.Load()
			}).Should(BeNumerically(">=", 2))

			cancel()
			Eventually(done).Should(BeClosed())
		})
	})
})
