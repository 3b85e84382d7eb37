package upstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"errorwatch.app/pipeline/internal/upstream"
)

var _ = Describe("Client", func() {
	var (
		ctx     context.Context
		mux     *http.ServeMux
		server  *httptest.Server
		client  *upstream.Client
		cookies string
	)

	BeforeEach(func() {
		ctx = context.Background()
		mux = http.NewServeMux()
		server = httptest.NewServer(mux)
		client = upstream.New(server.URL+"/", 200*time.Millisecond)
		cookies = ""
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("GetSession", func() {
		It("returns the principal and forwards cookies", func() {
			mux.HandleFunc("/api/auth/get-session", func(w http.ResponseWriter, r *http.Request) {
				cookies = r.Header.Get("Cookie")
				_, _ = w.Write([]byte(`{"user":{"id":"u1","email":"a@b.c","name":"Ann"}}`))
			})

			p, err := client.GetSession(ctx, "better-auth.session_token=abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.ID).To(Equal("u1"))
			Expect(p.Name).To(Equal("Ann"))
			Expect(cookies).To(Equal("better-auth.session_token=abc"))
		})

		It("rejects non-200 answers", func() {
			mux.HandleFunc("/api/auth/get-session", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			})

			_, err := client.GetSession(ctx, "x")
			Expect(err).To(MatchError(upstream.ErrUnauthenticated))
		})

		It("rejects bodies without a user id", func() {
			mux.HandleFunc("/api/auth/get-session", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`null`))
			})

			_, err := client.GetSession(ctx, "x")
			Expect(err).To(MatchError(upstream.ErrUnauthenticated))
		})

		It("reports timeouts as unavailable", func() {
			mux.HandleFunc("/api/auth/get-session", func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(500 * time.Millisecond)
			})

			_, err := client.GetSession(ctx, "x")
			Expect(err).To(MatchError(upstream.ErrUnavailable))
		})

		It("reports connection failures as unavailable", func() {
			server.Close()

			_, err := client.GetSession(ctx, "x")
			Expect(err).To(MatchError(upstream.ErrUnavailable))
		})
	})

	Describe("onboarding and organizations", func() {
		It("decodes both payloads", func() {
			mux.HandleFunc("/api/v1/onboarding/status", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"needsOnboarding":true}`))
			})
			mux.HandleFunc("/api/v1/organizations", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`[{"id":"o1","slug":"acme","name":"Acme"}]`))
			})

			status, err := client.OnboardingStatus(ctx, "x")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.NeedsOnboarding).To(BeTrue())

			orgs, err := client.Organizations(ctx, "x")
			Expect(err).NotTo(HaveOccurred())
			Expect(orgs).To(HaveLen(1))
			Expect(orgs[0].Slug).To(Equal("acme"))
		})

		It("treats a 5xx as unavailable", func() {
			mux.HandleFunc("/api/v1/organizations", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			})

			_, err := client.Organizations(ctx, "x")
			Expect(err).To(MatchError(upstream.ErrUnavailable))
		})
	})
})
