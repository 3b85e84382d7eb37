package session_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/core/config"
	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/session"
)

var _ = Describe("RedisCache", func() {
	var (
		ctx    context.Context
		mr     *miniredis.Miniredis
		client *redis.Client
		cache  *session.RedisCache
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cache = session.NewRedisCache(client, 30*time.Second)
	})

	AfterEach(func() {
		_ = client.Close()
		mr.Close()
	})

	It("round-trips the principal and hashes the token in the key", func() {
		cache.Put(ctx, "secret-token", model.Principal{ID: "u1", Email: "u1@example.com", Name: "U One"})

		got, ok := cache.Get(ctx, "secret-token")
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(model.Principal{ID: "u1", Email: "u1@example.com", Name: "U One"}))

		for _, k := range mr.Keys() {
			Expect(k).To(HavePrefix("session:"))
			Expect(k).NotTo(ContainSubstring("secret-token"))
		}
	})

	It("expires entries with the TTL", func() {
		cache.Put(ctx, "tok", model.Principal{ID: "u1"})
		mr.FastForward(31 * time.Second)

		_, ok := cache.Get(ctx, "tok")
		Expect(ok).To(BeFalse())
	})

	It("invalidates entries", func() {
		cache.Put(ctx, "tok", model.Principal{ID: "u1"})
		cache.Invalidate(ctx, "tok")

		_, ok := cache.Get(ctx, "tok")
		Expect(ok).To(BeFalse())
	})

	It("treats an outage as a miss without blocking", func() {
		cache.Put(ctx, "tok", model.Principal{ID: "u1"})
		mr.Close()

		start := time.Now()
		_, ok := cache.Get(ctx, "tok")
		Expect(ok).To(BeFalse())
		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))

		Expect(func() { cache.Put(ctx, "tok2", model.Principal{ID: "u2"}) }).NotTo(Panic())
	})
})

var _ = Describe("New", func() {
	It("falls back to memory when redis is unreachable", func() {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
		defer client.Close()

		c := session.New(context.Background(), client, config.SessionCacheConfig{Backend: "redis", TTL: time.Second, Capacity: 5})
		Expect(c).To(BeAssignableToTypeOf(&session.MemoryCache{}))
	})

	It("uses redis when configured and reachable", func() {
		mr := miniredis.RunT(GinkgoT())
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		c := session.New(context.Background(), client, config.SessionCacheConfig{Backend: "redis", TTL: time.Second, Capacity: 5})
		Expect(c).To(BeAssignableToTypeOf(&session.RedisCache{}))
	})

	It("uses memory by default", func() {
		c := session.New(context.Background(), nil, config.SessionCacheConfig{Backend: "memory"})
		Expect(c).To(BeAssignableToTypeOf(&session.MemoryCache{}))
	})
})
