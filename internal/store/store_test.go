package store_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/store"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type call struct {
	sql  string
	args []any
}

// fakeConn records statements and answers them from canned functions.
type fakeConn struct {
	calls    []call
	execTag  string
	execErr  error
	rowScan  func(dest ...any) error
	queryErr error
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, call{sql: sql, args: args})
	return pgconn.NewCommandTag(f.execTag), f.execErr
}

func (f *fakeConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.calls = append(f.calls, call{sql: sql, args: args})
	return nil, f.queryErr
}

func (f *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.calls = append(f.calls, call{sql: sql, args: args})
	scan := f.rowScan
	if scan == nil {
		scan = func(...any) error { return pgx.ErrNoRows }
	}
	return fakeRow{scan: scan}
}

var _ = Describe("Stores", func() {
	var (
		ctx    context.Context
		conn   *fakeConn
		stores *store.Stores
	)

	BeforeEach(func() {
		ctx = context.Background()
		conn = &fakeConn{}
		stores = store.NewStores(conn)
	})

	Describe("Projects", func() {
		It("looks API keys up by their SHA-256 digest", func() {
			conn.rowScan = func(dest ...any) error {
				*dest[0].(*string) = "proj-1"
				*dest[1].(*string) = "org-1"
				*dest[2].(*string) = "Web"
				return nil
			}

			project, err := stores.Projects().GetByAPIKey(ctx, "ew_live_secret")

			Expect(err).NotTo(HaveOccurred())
			Expect(project).To(Equal(&model.Project{ID: "proj-1", OrganizationID: "org-1", Name: "Web"}))

			sum := sha256.Sum256([]byte("ew_live_secret"))
			Expect(conn.calls).To(HaveLen(1))
			Expect(conn.calls[0].args).To(Equal([]any{hex.EncodeToString(sum[:])}))
		})

		It("maps a missing row to ErrNotFound", func() {
			_, err := stores.Projects().GetByID(ctx, "proj-x")

			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("passes other scan errors through", func() {
			conn.rowScan = func(...any) error { return errors.New("conn reset") }

			_, err := stores.Projects().GetByID(ctx, "proj-x")

			Expect(err).To(MatchError("conn reset"))
			Expect(errors.Is(err, store.ErrNotFound)).To(BeFalse())
		})
	})

	Describe("Memberships", func() {
		It("checks the organization and user pair", func() {
			conn.rowScan = func(dest ...any) error {
				*dest[0].(*bool) = true
				return nil
			}

			ok, err := stores.Memberships().IsMember(ctx, "org-1", "user-1")

			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(conn.calls[0].args).To(Equal([]any{"org-1", "user-1"}))
		})
	})

	Describe("Events", func() {
		event := func() *model.ErrorEvent {
			return &model.ErrorEvent{Fingerprint: "fp", ProjectID: "proj-1", Env: "production", Level: model.LevelError, CreatedAt: time.Now()}
		}

		It("reports a fresh insert", func() {
			conn.execTag = "INSERT 0 1"

			inserted, err := stores.Events().Insert(ctx, event())

			Expect(err).NotTo(HaveOccurred())
			Expect(inserted).To(BeTrue())
			Expect(conn.calls[0].sql).To(ContainSubstring("ON CONFLICT (id) DO NOTHING"))
		})

		It("reports a redelivered event as not inserted", func() {
			conn.execTag = "INSERT 0 0"

			inserted, err := stores.Events().Insert(ctx, event())

			Expect(err).NotTo(HaveOccurred())
			Expect(inserted).To(BeFalse())
		})

		It("maps an unknown fingerprint's environment to ErrNotFound", func() {
			_, err := stores.Events().LatestEnv(ctx, "fp")

			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("Groups", func() {
		It("returns the new count and whether the group was resolved", func() {
			conn.rowScan = func(dest ...any) error {
				*dest[0].(*int64) = 7
				*dest[1].(*bool) = true
				return nil
			}

			res, err := stores.Groups().Upsert(ctx, &model.ErrorGroup{Fingerprint: "fp", ProjectID: "proj-1"}, time.Now())

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(BeEquivalentTo(7))
			Expect(res.WasResolved).To(BeTrue())
		})
	})

	Describe("AlertRules", func() {
		It("surfaces query failures", func() {
			conn.queryErr = errors.New("timeout")

			_, err := stores.AlertRules().ListEnabled(ctx, "proj-1")

			Expect(err).To(MatchError("timeout"))
		})
	})
})
