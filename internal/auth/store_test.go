package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medtransit/internal/dispatch"
)

func TestRegisterAndLookup(t *testing.T) {
	s := NewInMemoryStore()
	ident, err := s.Register(dispatch.RoleAgency, "ag1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, dispatch.RoleAgency, ident.Role)
	assert.Equal(t, "ag1", ident.OrgID)
	require.NotEmpty(t, ident.Token)
	require.NotNil(t, ident.ExpiresAt)

	got, ok := s.Lookup(ident.Token)
	require.True(t, ok)
	assert.Equal(t, ident.ID, got.ID)

	_, ok = s.Lookup("bogus")
	assert.False(t, ok)
}

func TestRegisterRequiresOrgForScopedRoles(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Register(dispatch.RoleHealthcare, "", time.Hour)
	assert.Error(t, err)
	_, err = s.Register(dispatch.RoleAgency, "", time.Hour)
	assert.Error(t, err)

	_, err = s.Register(dispatch.RoleTCC, "", time.Hour)
	assert.NoError(t, err)
	_, err = s.Register(dispatch.RoleAdmin, "", time.Hour)
	assert.NoError(t, err)
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Register(dispatch.Role("driver"), "", time.Hour)
	assert.Error(t, err)
}

func TestLookupExpired(t *testing.T) {
	s := NewInMemoryStore()
	past := time.Now().Add(-time.Minute)
	s.Seed(dispatch.Identity{ID: "x", Role: dispatch.RoleAdmin, Token: "tok", ExpiresAt: &past})
	_, ok := s.Lookup("tok")
	assert.False(t, ok)

	ident := dispatch.Identity{ID: "y", Role: dispatch.RoleAdmin, Token: "tok2"}
	s.Seed(ident)
	got, ok := s.Lookup("tok2")
	require.True(t, ok)
	assert.Equal(t, "y", got.ID)
}
