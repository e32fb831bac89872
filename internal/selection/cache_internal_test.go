package selection

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/node-selector/internal/store"
	"github.com/angeloszaimis/node-selector/pkg/logger"
)

type brokenStore struct{}

func (brokenStore) GetItem(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}
func (brokenStore) SetItem(context.Context, string, string) error { return errors.New("disk on fire") }
func (brokenStore) RemoveItem(context.Context, string) error      { return errors.New("disk on fire") }

// garbledStore returns an unreadable entry and cannot remove it.
type garbledStore struct{ brokenStore }

func (garbledStore) GetItem(context.Context, string) (string, bool, error) {
	return "not json", true, nil
}

var _ = Describe("resultCache", func() {
	var (
		ctx   context.Context
		mem   *store.Memory
		mock  *clock.Mock
		cache *resultCache
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemory(0)
		mock = clock.NewMock()
		mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		cache = &resultCache{store: mem, key: DefaultCacheKey, ttl: time.Minute, clock: mock, log: logger.Discard()}
	})

	It("stores the endpoint with a millisecond timestamp", func() {
		cache.set(ctx, "https://dn.example")

		raw, ok, err := mem.GetItem(ctx, DefaultCacheKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(raw).To(MatchJSON(`{"endpoint":"https://dn.example","timestamp":1767225600000}`))
	})

	It("expires entries at the TTL", func() {
		cache.set(ctx, "https://dn.example")

		mock.Add(time.Minute - time.Millisecond)
		endpoint, ok := cache.get(ctx)
		Expect(ok).To(BeTrue())
		Expect(endpoint).To(Equal("https://dn.example"))

		mock.Add(time.Millisecond)
		_, ok = cache.get(ctx)
		Expect(ok).To(BeFalse())
	})

	It("drops unreadable entries", func() {
		Expect(mem.SetItem(ctx, DefaultCacheKey, "not json")).To(Succeed())

		_, ok := cache.get(ctx)
		Expect(ok).To(BeFalse())
		Expect(mem.Len()).To(BeZero())
	})

	It("treats store failures as a miss", func() {
		cache.store = brokenStore{}
		cache.set(ctx, "https://dn.example")

		_, ok := cache.get(ctx)
		Expect(ok).To(BeFalse())
	})

	It("logs when an unreadable entry cannot be removed", func() {
		var buf bytes.Buffer
		cache.store = garbledStore{}
		cache.log = logger.New(logger.Options{Level: "warn", Output: &buf})

		_, ok := cache.get(ctx)
		Expect(ok).To(BeFalse())
		Expect(buf.String()).To(ContainSubstring("failed to drop cached selection"))
		Expect(buf.String()).To(ContainSubstring("disk on fire"))
	})
})
