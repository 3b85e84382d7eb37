package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"errorwatch.app/pipeline/internal/gateway"
	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/session"
	"errorwatch.app/pipeline/internal/upstream"
)

var _ = Describe("Middleware", func() {
	var (
		router   *gin.Engine
		identity *mockIdentity
		accounts *mockAccounts
		seen     *model.Principal
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		identity = &mockIdentity{}
		accounts = &mockAccounts{}
		seen = nil

		resolver := gateway.NewResolver(session.NewMemoryCache(30*time.Second, 10), identity, time.Second)
		g := gateway.New(resolver, accounts, gateway.Config{Timeout: time.Second})

		router = gin.New()
		router.Use(gateway.Middleware(g))
		router.NoRoute(func(c *gin.Context) {
			seen = gateway.GetPrincipal(c.Request.Context())
			c.String(http.StatusOK, "upstream")
		})
	})

	do := func(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("forwards authenticated requests with the principal attached", func() {
		w := do("/settings", &http.Cookie{Name: gateway.SessionCookie, Value: "tok"})

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(Equal("upstream"))
		Expect(seen).NotTo(BeNil())
		Expect(seen.ID).To(Equal("user-1"))
	})

	It("accepts the secure-prefixed cookie", func() {
		w := do("/settings", &http.Cookie{Name: gateway.SecureSessionCookie, Value: "tok"})
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("redirects with 302 and clears both cookies on rejection", func() {
		identity.getSessionFn = func(context.Context, string) (model.Principal, error) {
			return model.Principal{}, upstream.ErrUnauthenticated
		}

		w := do("/settings", &http.Cookie{Name: gateway.SessionCookie, Value: "tok"})

		Expect(w.Code).To(Equal(http.StatusFound))
		Expect(w.Header().Get("Location")).To(Equal("/login?redirect=%2Fsettings"))
		setCookies := strings.Join(w.Header().Values("Set-Cookie"), "\n")
		Expect(setCookies).To(ContainSubstring(gateway.SessionCookie + "=;"))
		Expect(setCookies).To(ContainSubstring(gateway.SecureSessionCookie + "=;"))
	})

	It("answers 503 when a dashboard lookup fails closed", func() {
		accounts.onboardingFn = func(context.Context, string) (model.OnboardingStatus, error) {
			return model.OnboardingStatus{}, upstream.ErrUnavailable
		}

		w := do("/dashboard/acme", &http.Cookie{Name: gateway.SessionCookie, Value: "tok"})

		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(w.Body.String()).To(Equal("Service unavailable"))
	})
})
