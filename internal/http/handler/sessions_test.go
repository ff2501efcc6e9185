package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chatwire.app/sessiond/internal/http/handler"
)

var _ = Describe("SessionsHandler", func() {
	var (
		router    *gin.Engine
		directory *mockDirectory
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		directory = &mockDirectory{workerID: "worker-a"}
		router.GET("/api/v1/sessions", handler.NewSessionsHandler(directory).List)
	})

	It("lists live sessions sorted by channel", func() {
		directory.listFn = func(context.Context) (map[string]string, error) {
			return map[string]string{"ch-2": "worker-b", "ch-1": "worker-a"}, nil
		}

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp struct {
			Sessions []struct {
				ChannelID string `json:"channel_id"`
				WorkerID  string `json:"worker_id"`
			} `json:"sessions"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Sessions).To(HaveLen(2))
		Expect(resp.Sessions[0].ChannelID).To(Equal("ch-1"))
		Expect(resp.Sessions[1].WorkerID).To(Equal("worker-b"))
	})

	It("returns 500 when the registry read fails", func() {
		directory.listFn = func(context.Context) (map[string]string, error) {
			return nil, errors.New("redis down")
		}

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})
})
