package authstate_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chatwire.app/sessiond/internal/authstate"
	"chatwire.app/sessiond/internal/protocol"
	"chatwire.app/sessiond/internal/store"
)

type mockPersister struct {
	mu     sync.Mutex
	blob   []byte
	writes int
	getErr error
	putErr error
}

func (m *mockPersister) GetAuthState(_ context.Context, _ string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.blob, nil
}

func (m *mockPersister) UpdateAuthState(_ context.Context, _ string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.blob = append([]byte(nil), blob...)
	m.writes++
	return nil
}

func (m *mockPersister) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

var _ = Describe("Store", func() {
	const debounce = 25 * time.Millisecond

	var (
		ctx     context.Context
		persist *mockPersister
	)

	BeforeEach(func() {
		ctx = context.Background()
		persist = &mockPersister{}
	})

	It("synthesizes and immediately persists fresh credentials", func() {
		persist.getErr = store.ErrNotFound

		s, err := authstate.Load(ctx, persist, "ch-1", debounce)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Credentials()).NotTo(BeNil())
		Expect(s.Credentials().NoiseKey).To(HaveLen(32))

		// First write bypasses the debounce entirely
		Expect(persist.writeCount()).To(Equal(1))
	})

	It("reloads persisted state instead of regenerating", func() {
		persist.getErr = store.ErrNotFound
		s, err := authstate.Load(ctx, persist, "ch-1", debounce)
		Expect(err).NotTo(HaveOccurred())
		original := s.Credentials().IdentityKey

		persist.getErr = nil
		reloaded, err := authstate.Load(ctx, persist, "ch-1", debounce)
		Expect(err).NotTo(HaveOccurred())
		Expect(reloaded.Credentials().IdentityKey).To(Equal(original))
		Expect(persist.writeCount()).To(Equal(1))
	})

	It("coalesces a burst of Set calls into one persisted write", func() {
		s, err := authstate.Load(ctx, persist, "ch-1", debounce)
		Expect(err).NotTo(HaveOccurred())
		baseline := persist.writeCount()

		for i := 0; i < 10; i++ {
			s.Set([]protocol.KeyUpdate{{Category: "pre-key", ID: string(rune('a' + i)), Value: []byte{byte(i)}}})
		}

		Eventually(persist.writeCount, 10*debounce).Should(Equal(baseline + 1))
		Consistently(persist.writeCount, 4*debounce).Should(Equal(baseline + 1))

		// The single write carried the union of all updates
		got := s.Get("pre-key", []string{"a", "j"})
		Expect(got).To(HaveLen(2))
	})

	It("deletes entries for nil values", func() {
		s, err := authstate.Load(ctx, persist, "ch-1", debounce)
		Expect(err).NotTo(HaveOccurred())

		s.Set([]protocol.KeyUpdate{{Category: "session", ID: "x", Value: []byte{1}}})
		Expect(s.Get("session", []string{"x"})).To(HaveKey("x"))

		s.Set([]protocol.KeyUpdate{{Category: "session", ID: "x", Value: nil}})
		Expect(s.Get("session", []string{"x"})).To(BeEmpty())
	})

	It("returns only entries that are present", func() {
		s, err := authstate.Load(ctx, persist, "ch-1", debounce)
		Expect(err).NotTo(HaveOccurred())

		s.Set([]protocol.KeyUpdate{{Category: "pre-key", ID: "1", Value: []byte{1}}})
		got := s.Get("pre-key", []string{"1", "2", "3"})
		Expect(got).To(HaveLen(1))
		Expect(got).To(HaveKey("1"))
	})

	It("flushes synchronously on SaveCredsImmediate and cancels the pending timer", func() {
		s, err := authstate.Load(ctx, persist, "ch-1", debounce)
		Expect(err).NotTo(HaveOccurred())
		baseline := persist.writeCount()

		s.Set([]protocol.KeyUpdate{{Category: "pre-key", ID: "a", Value: []byte{1}}})
		Expect(s.SaveCredsImmediate(ctx)).To(Succeed())
		Expect(persist.writeCount()).To(Equal(baseline + 1))

		// Debounce window passing afterwards must not produce a second write
		Consistently(persist.writeCount, 4*debounce).Should(Equal(baseline + 1))
	})

	It("flushes pending updates on Close and ignores later Sets", func() {
		s, err := authstate.Load(ctx, persist, "ch-1", debounce)
		Expect(err).NotTo(HaveOccurred())
		baseline := persist.writeCount()

		s.Set([]protocol.KeyUpdate{{Category: "pre-key", ID: "a", Value: []byte{1}}})
		Expect(s.Close(ctx)).To(Succeed())
		Expect(persist.writeCount()).To(Equal(baseline + 1))

		s.Set([]protocol.KeyUpdate{{Category: "pre-key", ID: "b", Value: []byte{2}}})
		Consistently(persist.writeCount, 4*debounce).Should(Equal(baseline + 1))
	})
})
