package handler_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/internal/gateway"
	"errorwatch.app/pipeline/internal/http/handler"
	"errorwatch.app/pipeline/internal/http/middleware"
	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/notify"
)

type frame struct {
	event string
	data  string
}

// readFrames pushes each SSE frame from body onto the returned channel until the stream ends.
func readFrames(body *bufio.Reader) <-chan frame {
	frames := make(chan frame, 16)
	go func() {
		defer close(frames)
		var current frame
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				frames <- current
				current = frame{}
			case strings.HasPrefix(line, "event: "):
				current.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return frames
}

var _ = Describe("SSEHandler", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		hub      *notify.Hub
		members  *mockMembership
		sessions *mockSessionResolver
		router   *gin.Engine
		client   *redis.Client
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)

		mr := miniredis.RunT(GinkgoT())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)

		hub = notify.NewHub(client, 8)
		go func() { _ = hub.Run(ctx) }()
		Eventually(hub.Ready()).Should(BeClosed())

		members = &mockMembership{}
		sessions = &mockSessionResolver{}

		router = gin.New()
		h := handler.NewSSEHandler(hub, members, 50*time.Millisecond)
		router.GET("/sse/:org_id", middleware.RequireSession(sessions), h.Stream)
	})

	request := func(path string, withCookie bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if withCookie {
			req.AddCookie(&http.Cookie{Name: gateway.SessionCookie, Value: "tok"})
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("returns 401 without a session", func() {
		w := request("/sse/org-1", false)

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("returns 401 and clears cookies for an expired session", func() {
		sessions.resolveFn = func(context.Context, string, string) (model.Principal, error) {
			return model.Principal{}, gateway.ErrUnauthenticated
		}

		w := request("/sse/org-1", true)

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
		Expect(w.Header().Values("Set-Cookie")).To(ContainElement(ContainSubstring(gateway.SessionCookie + "=;")))
	})

	It("returns 503 when sessions cannot be validated", func() {
		sessions.resolveFn = func(context.Context, string, string) (model.Principal, error) {
			return model.Principal{}, gateway.ErrUnavailable
		}

		w := request("/sse/org-1", true)

		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("returns 403 for a non-member", func() {
		members.isMemberFn = func(_ context.Context, orgID, userID string) (bool, error) {
			Expect(orgID).To(Equal("org-1"))
			Expect(userID).To(Equal("user-1"))
			return false, nil
		}

		w := request("/sse/org-1", true)

		Expect(w.Code).To(Equal(http.StatusForbidden))
		Expect(hub.Subscribers("org-1")).To(BeZero())
	})

	It("returns 500 when membership cannot be checked", func() {
		members.isMemberFn = func(context.Context, string, string) (bool, error) {
			return false, errors.New("db down")
		}

		w := request("/sse/org-1", true)

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})

	Context("with an open stream", func() {
		var (
			frames    <-chan frame
			reqCancel context.CancelFunc
		)

		BeforeEach(func() {
			server := httptest.NewServer(router)
			DeferCleanup(server.Close)

			var reqCtx context.Context
			reqCtx, reqCancel = context.WithCancel(ctx)
			DeferCleanup(reqCancel)

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, server.URL+"/sse/org-1", nil)
			Expect(err).NotTo(HaveOccurred())
			req.AddCookie(&http.Cookie{Name: gateway.SessionCookie, Value: "tok"})

			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(resp.Body.Close)

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))
			Expect(resp.Header.Get("X-Accel-Buffering")).To(Equal("no"))

			frames = readFrames(bufio.NewReader(resp.Body))
			Eventually(frames).Should(Receive(Equal(frame{event: "ping", data: "ready"})))
		})

		It("forwards the organization's events as update frames", func() {
			event, err := notify.NewEvent(notify.KindIssueNew, "org-1", "proj-1", notify.IssuePayload{Fingerprint: "fp", Level: "error"})
			Expect(err).NotTo(HaveOccurred())
			notify.NewRedisPublisher(client).Publish(ctx, event)

			var update frame
			Eventually(frames).Should(Receive(&update, WithTransform(func(f frame) string { return f.event }, Equal("update"))))

			var got notify.Event
			Expect(json.Unmarshal([]byte(update.data), &got)).To(Succeed())
			Expect(got.Type).To(Equal(notify.KindIssueNew))
			Expect(got.OrganizationID).To(Equal("org-1"))
		})

		It("does not forward other organizations' events", func() {
			event, err := notify.NewEvent(notify.KindIssueNew, "org-2", "proj-9", nil)
			Expect(err).NotTo(HaveOccurred())
			notify.NewRedisPublisher(client).Publish(ctx, event)

			Consistently(frames, 200*time.Millisecond).ShouldNot(Receive(WithTransform(func(f frame) string { return f.event }, Equal("update"))))
		})

		It("keeps the connection alive with ping frames", func() {
			var ping frame
			Eventually(frames).Should(Receive(&ping))
			Expect(ping.event).To(Equal("ping"))
			Expect(ping.data).To(ContainSubstring("timestamp"))
		})

		It("unsubscribes when the client disconnects", func() {
			Eventually(func() int { return hub.Subscribers("org-1") }).Should(Equal(1))

			reqCancel()

			Eventually(func() int { return hub.Subscribers("org-1") }).Should(BeZero())
		})
	})
})
