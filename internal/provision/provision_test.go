package provision

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func launch() Assertion {
	return Assertion{
		ConsumerKey:  "canvas",
		ContextID:    "course-1",
		ContextLabel: "CS 101",
		UserID:       "u-77",
		FullName:     "Robin Park",
		Email:        "robin@school.edu",
		RoleClaim:    "Learner",
	}
}

func stores(t *testing.T) map[string]store.DB {
	t.Helper()
	sqlite, err := store.NewSQLiteDB(context.Background(), filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]store.DB{"memory": store.NewMemoryDB(), "sqlite": sqlite}
}

func TestProvisionIsIdempotent(t *testing.T) {
	for name, db := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := db.CreateConsumer(ctx, "canvas", "secret", "")
			require.NoError(t, err)
			p := NewProvisioner(db, DefaultStarterTokens)

			first, err := p.Provision(ctx, launch())
			require.NoError(t, err)
			assert.True(t, first.Created)
			assert.Equal(t, store.RoleStudent, first.Role)

			second, err := p.Provision(ctx, launch())
			require.NoError(t, err)
			assert.False(t, second.Created)
			assert.Equal(t, first.UserID, second.UserID)
			assert.Equal(t, first.ClassID, second.ClassID)
			assert.Equal(t, first.RoleID, second.RoleID)

			u, err := db.GetUser(ctx, first.UserID)
			require.NoError(t, err)
			assert.Equal(t, store.ProviderLTI, u.AuthProvider)
			assert.Equal(t, DefaultStarterTokens, u.QueryTokens)

			if sqlDB, ok := db.(*store.SQLDB); ok {
				for view, want := range map[store.View]int{store.ViewUsers: 1, store.ViewClasses: 1, store.ViewRoles: 1} {
					res, err := sqlDB.ReadView(ctx, view)
					require.NoError(t, err)
					assert.Len(t, res.Rows, want, string(view))
				}
			}
		})
	}
}

func TestProvisionConcurrentFirstLaunch(t *testing.T) {
	const launches = 16
	for name, db := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := db.CreateConsumer(ctx, "canvas", "secret", "")
			require.NoError(t, err)
			p := NewProvisioner(db, DefaultStarterTokens)

			results := make([]Result, launches)
			errs := make([]error, launches)
			var wg sync.WaitGroup
			for i := 0; i < launches; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = p.Provision(ctx, launch())
				}(i)
			}
			wg.Wait()

			created := 0
			for i, res := range results {
				require.NoError(t, errs[i])
				assert.Equal(t, results[0].UserID, res.UserID)
				assert.Equal(t, results[0].ClassID, res.ClassID)
				assert.Equal(t, results[0].RoleID, res.RoleID)
				if res.Created {
					created++
				}
			}
			assert.Equal(t, 1, created)

			u, err := db.GetUser(ctx, results[0].UserID)
			require.NoError(t, err)
			assert.Equal(t, DefaultStarterTokens, u.QueryTokens)

			if sqlDB, ok := db.(*store.SQLDB); ok {
				for view, want := range map[store.View]int{store.ViewUsers: 1, store.ViewClasses: 1, store.ViewRoles: 1} {
					res, err := sqlDB.ReadView(ctx, view)
					require.NoError(t, err)
					assert.Len(t, res.Rows, want, string(view))
				}
			}
		})
	}
}

func TestProvisionRefreshesProfile(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryDB()
	_, err := db.CreateConsumer(ctx, "canvas", "secret", "")
	require.NoError(t, err)
	p := NewProvisioner(db, 3)

	a := launch()
	first, err := p.Provision(ctx, a)
	require.NoError(t, err)
	a.FullName = "Robin A. Park"
	second, err := p.Provision(ctx, a)
	require.NoError(t, err)
	require.Equal(t, first.UserID, second.UserID)

	u, err := db.GetUser(ctx, first.UserID)
	require.NoError(t, err)
	assert.Equal(t, "Robin A. Park", u.FullName)
	assert.Equal(t, 3, u.QueryTokens)
}

func TestProvisionDeactivatedMemberStaysOut(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryDB()
	_, err := db.CreateConsumer(ctx, "canvas", "secret", "")
	require.NoError(t, err)
	p := NewProvisioner(db, DefaultStarterTokens)

	res, err := p.Provision(ctx, launch())
	require.NoError(t, err)
	require.NoError(t, db.SetRoleActive(ctx, res.RoleID, res.ClassID, false))

	for i := 0; i < 3; i++ {
		_, err := p.Provision(ctx, launch())
		require.ErrorIs(t, err, ErrDeactivatedMember)
	}
	r, err := db.GetRole(ctx, res.RoleID)
	require.NoError(t, err)
	assert.False(t, r.Active)
}

func TestProvisionRejectsBadAssertions(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryDB()
	_, err := db.CreateConsumer(ctx, "canvas", "secret", "")
	require.NoError(t, err)
	p := NewProvisioner(db, DefaultStarterTokens)

	cases := []struct {
		name   string
		mutate func(*Assertion)
		want   error
	}{
		{"no consumer", func(a *Assertion) { a.ConsumerKey = "" }, ErrMalformedAssertion},
		{"no context", func(a *Assertion) { a.ContextID = "" }, ErrMalformedAssertion},
		{"no label", func(a *Assertion) { a.ContextLabel = "" }, ErrMalformedAssertion},
		{"no user", func(a *Assertion) { a.UserID = "" }, ErrMalformedAssertion},
		{"no name or email", func(a *Assertion) { a.FullName = ""; a.Email = "" }, ErrInsufficientIdentity},
		{"no name and bad email", func(a *Assertion) { a.FullName = ""; a.Email = "robin" }, ErrInsufficientIdentity},
		{"unknown consumer", func(a *Assertion) { a.ConsumerKey = "moodle" }, ErrUnknownConsumer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := launch()
			tc.mutate(&a)
			_, err := p.Provision(ctx, a)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestProvisionEmailOnlyIdentity(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryDB()
	_, err := db.CreateConsumer(ctx, "canvas", "secret", "")
	require.NoError(t, err)

	a := launch()
	a.FullName = ""
	res, err := NewProvisioner(db, DefaultStarterTokens).Provision(ctx, a)
	require.NoError(t, err)
	u, err := db.GetUser(ctx, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, "robin@school.edu", u.DisplayName())
}

func TestNormalizeRole(t *testing.T) {
	cases := map[string]store.RoleKind{
		"Instructor":         store.RoleInstructor,
		"TeachingAssistant1": store.RoleInstructor,
		"teachingassistant":  store.RoleInstructor,
		"Learner":            store.RoleStudent,
		"":                   store.RoleStudent,
		"Teaching Assistant": store.RoleStudent,
	}
	for claim, want := range cases {
		assert.Equal(t, want, NormalizeRole(claim), claim)
	}
	assert.Equal(t, store.RoleInstructor, NormalizeRole("urn:lti:role:ims/lis/Instructor"))
}

func TestExternalID(t *testing.T) {
	assert.Equal(t, "canvas_u-77_robin@school.edu", ExternalID(launch()))
	a := launch()
	a.Email = ""
	assert.Equal(t, "canvas_u-77_", ExternalID(a))
}
