package supervisor_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chatwire.app/sessiond/internal/supervisor"
)

var _ = Describe("Manager", func() {
	var (
		ctx    context.Context
		reg    *fakeRegistry
		pub    *fakePublisher
		dialer *fakeDialer
		mgr    *supervisor.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		reg = newFakeRegistry("worker-a")
		pub = &fakePublisher{}
		dialer = &fakeDialer{}

		cfg := supervisor.Config{
			LockTTL:              time.Second,
			HeartbeatInterval:    time.Second,
			MaxReconnectAttempts: 2,
			BackoffBase:          time.Millisecond,
			BackoffCap:           5 * time.Millisecond,
			QRTTL:                20 * time.Second,
		}
		loadAuth := func(context.Context, string, string) (supervisor.AuthStore, error) {
			return newFakeAuth(), nil
		}
		mgr = supervisor.NewManager(cfg, reg, pub, dialer, loadAuth)
	})

	AfterEach(func() {
		mgr.StopAll(ctx)
	})

	It("starts a session and returns the same supervisor for repeat starts", func() {
		first, err := mgr.StartChannel(ctx, "org-1", "ch-1")
		Expect(err).NotTo(HaveOccurred())

		second, err := mgr.StartChannel(ctx, "org-1", "ch-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(BeIdenticalTo(first))
		Expect(dialer.dialCount()).To(Equal(1))
	})

	It("refuses a channel owned by another live worker", func() {
		reg.mu.Lock()
		reg.sessions["ch-1"] = "worker-b"
		reg.mu.Unlock()

		_, err := mgr.StartChannel(ctx, "org-1", "ch-1")
		Expect(err).To(MatchError(supervisor.ErrAlreadyOwned))
	})

	It("replaces a terminated session on restart", func() {
		first, err := mgr.StartChannel(ctx, "org-1", "ch-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.StopChannel(ctx, "ch-1")).To(Succeed())
		Expect(first.State()).To(Equal(supervisor.StateTerminated))

		second, err := mgr.StartChannel(ctx, "org-1", "ch-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(second).NotTo(BeIdenticalTo(first))
		Expect(dialer.dialCount()).To(Equal(2))
	})

	It("reports unknown channels on stop and send", func() {
		Expect(mgr.StopChannel(ctx, "ch-x")).To(MatchError(supervisor.ErrSessionNotFound))
		Expect(mgr.SendMessage(ctx, "ch-x", "15551234567", "hi")).To(MatchError(supervisor.ErrSessionNotFound))
	})

	It("stops every session on shutdown", func() {
		_, err := mgr.StartChannel(ctx, "org-1", "ch-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = mgr.StartChannel(ctx, "org-1", "ch-2")
		Expect(err).NotTo(HaveOccurred())

		mgr.StopAll(ctx)

		Expect(reg.sessionOwner("ch-1")).To(BeEmpty())
		Expect(reg.sessionOwner("ch-2")).To(BeEmpty())
		_, ok := mgr.Get("ch-1")
		Expect(ok).To(BeFalse())
	})
})
