package backend_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/node-selector/internal/backend"
)

var _ = Describe("Backend", func() {
	var (
		node *httptest.Server
		b    *backend.Backend
	)

	BeforeEach(func() {
		node = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Seen-Host", r.Host)
			w.WriteHeader(http.StatusTeapot)
			_, _ = io.WriteString(w, "node:"+r.URL.Path)
		}))
		u, err := url.Parse(node.URL)
		Expect(err).NotTo(HaveOccurred())
		b = backend.New(u, nil)
	})

	AfterEach(func() {
		node.Close()
	})

	Describe("ServeHTTP", func() {
		It("should forward the request to the node", func() {
			w := httptest.NewRecorder()
			err := b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://gateway.local/v1/tracks", nil))

			Expect(err).NotTo(HaveOccurred())
			Expect(w.Code).To(Equal(http.StatusTeapot))
			Expect(w.Body.String()).To(Equal("node:/v1/tracks"))
			Expect(w.Header().Get("X-Seen-Host")).To(Equal(b.URL().Host))
		})

		It("should record the response time", func() {
			w := httptest.NewRecorder()
			Expect(b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))).To(Succeed())

			Expect(b.EWMATime()).To(BeNumerically(">", 0))
			Expect(b.ActiveConnections()).To(BeZero())
		})

		It("should return transport errors and answer 502", func() {
			node.Close()

			w := httptest.NewRecorder()
			err := b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

			Expect(err).To(HaveOccurred())
			Expect(w.Code).To(Equal(http.StatusBadGateway))
		})
	})

	Describe("Connection Tracking", func() {
		It("should not go below zero", func() {
			b.DecrementConn()
			Expect(b.ActiveConnections()).To(Equal(0))
		})

		It("should be thread-safe", func() {
			var wg sync.WaitGroup
			for range 100 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					b.IncrementConn()
				}()
			}
			wg.Wait()
			Expect(b.ActiveConnections()).To(Equal(100))
		})
	})

	Describe("Response Time Tracking (EWMA)", func() {
		It("should start at zero", func() {
			Expect(b.EWMATime()).To(BeZero())
		})

		It("should take the first sample as is", func() {
			b.RecordResponse(100 * time.Millisecond)
			Expect(b.EWMATime()).To(Equal(100 * time.Millisecond))
		})

		It("should smooth subsequent samples", func() {
			b.RecordResponse(100 * time.Millisecond)
			b.RecordResponse(200 * time.Millisecond)
			Expect(b.EWMATime()).To(BeNumerically("~", 120*time.Millisecond, time.Microsecond))
		})
	})
})

var _ = Describe("Pool", func() {
	var pool *backend.Pool

	BeforeEach(func() {
		pool = backend.NewPool(2, time.Second)
	})

	It("should reuse the backend for an endpoint", func() {
		b1, err := pool.Get("https://dn1.example")
		Expect(err).NotTo(HaveOccurred())
		b2, err := pool.Get("https://dn1.example")
		Expect(err).NotTo(HaveOccurred())

		Expect(b1).To(BeIdenticalTo(b2))
		Expect(b1.URL().Host).To(Equal("dn1.example"))
	})

	It("should evict the least recently used backend", func() {
		_, _ = pool.Get("https://dn1.example")
		_, _ = pool.Get("https://dn2.example")
		_, _ = pool.Get("https://dn3.example")

		Expect(pool.Len()).To(Equal(2))
		_, ok := pool.Peek("https://dn1.example")
		Expect(ok).To(BeFalse())
	})

	DescribeTable("rejecting unusable endpoints",
		func(endpoint string) {
			_, err := pool.Get(endpoint)
			Expect(err).To(HaveOccurred())
		},
		Entry("relative", "dn1.example"),
		Entry("unparsable", "://nope"),
	)
})
