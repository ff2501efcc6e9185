package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chatwire.app/sessiond/internal/http/handler"
	"chatwire.app/sessiond/internal/supervisor"
)

var _ = Describe("ChannelHandler", func() {
	var (
		router    *gin.Engine
		manager   *mockSessionManager
		directory *mockDirectory
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		manager = &mockSessionManager{}
		directory = &mockDirectory{workerID: "worker-a"}

		h := handler.NewChannelHandler(manager, directory, time.Minute)
		rg := router.Group("/api/v1/orgs/:org_id/channels")
		rg.POST("/:channel_id/start", h.Start)
		rg.POST("/:channel_id/stop", h.Stop)
		rg.POST("/:channel_id/messages", h.Send)
		rg.GET("/:channel_id/status", h.Status)
	})

	do := func(method, path string, body []byte) *httptest.ResponseRecorder {
		var req *http.Request
		if body != nil {
			req = httptest.NewRequest(method, path, bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	Describe("start", func() {
		It("returns 202 while the session is pairing", func() {
			manager.startFn = func(_ context.Context, orgID, channelID string, wait time.Duration) (supervisor.State, error) {
				Expect(orgID).To(Equal("org-1"))
				Expect(channelID).To(Equal("ch-1"))
				Expect(wait).To(BeZero())
				return supervisor.StateStarting, nil
			}

			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/start", nil)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["state"]).To(Equal("starting"))
			Expect(resp["worker_id"]).To(Equal("worker-a"))
		})

		It("passes the wait ceiling through and returns 200 once connected", func() {
			manager.startFn = func(_ context.Context, _, _ string, wait time.Duration) (supervisor.State, error) {
				Expect(wait).To(Equal(time.Minute))
				return supervisor.StateConnected, nil
			}

			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/start?wait=true", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
		})

		It("returns 409 when the channel runs elsewhere", func() {
			manager.startFn = func(context.Context, string, string, time.Duration) (supervisor.State, error) {
				return supervisor.StateTerminated, supervisor.ErrAlreadyOwned
			}

			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/start", nil)
			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("returns 202 when the wait times out before pairing completes", func() {
			manager.startFn = func(context.Context, string, string, time.Duration) (supervisor.State, error) {
				return supervisor.StateAwaitingPairing, supervisor.ErrStartTimeout
			}

			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/start?wait=true", nil)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["state"]).To(Equal("awaiting_pairing"))
		})
	})

	Describe("stop", func() {
		It("returns 200 on success", func() {
			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/stop", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
		})

		It("returns 404 for a channel this worker does not run", func() {
			manager.stopFn = func(context.Context, string) error {
				return supervisor.ErrSessionNotFound
			}

			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/stop", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("send", func() {
		body := func() []byte {
			b, _ := json.Marshal(map[string]string{"to": "15551234567", "text": "hi"})
			return b
		}

		It("returns 200 and forwards the message", func() {
			var gotTo string
			manager.sendFn = func(_ context.Context, _, to, _ string) error {
				gotTo = to
				return nil
			}

			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/messages", body())

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(gotTo).To(Equal("15551234567"))
		})

		It("returns 400 on an invalid body", func() {
			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/messages", []byte(`{"to":""}`))
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 409 when the channel is not connected", func() {
			manager.sendFn = func(context.Context, string, string, string) error {
				return supervisor.ErrNotConnected
			}

			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/messages", body())
			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("returns 500 when sending fails", func() {
			manager.sendFn = func(context.Context, string, string, string) error {
				return errors.New("boom")
			}

			w := do(http.MethodPost, "/api/v1/orgs/org-1/channels/ch-1/messages", body())
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("status", func() {
		It("reports a local session", func() {
			manager.statusFn = func(string) (supervisor.State, bool) {
				return supervisor.StateConnected, true
			}

			w := do(http.MethodGet, "/api/v1/orgs/org-1/channels/ch-1/status", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["state"]).To(Equal("connected"))
		})

		It("reports the owning worker for a remote session", func() {
			directory.ownerFn = func(context.Context, string) (string, error) {
				return "worker-b", nil
			}

			w := do(http.MethodGet, "/api/v1/orgs/org-1/channels/ch-1/status", nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["state"]).To(Equal("remote"))
			Expect(resp["worker_id"]).To(Equal("worker-b"))
		})

		It("returns 404 when no session exists anywhere", func() {
			w := do(http.MethodGet, "/api/v1/orgs/org-1/channels/ch-1/status", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})
})
