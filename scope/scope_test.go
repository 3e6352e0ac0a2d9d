package scope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDeduplicates(t *testing.T) {
	got := Parse("openid  profile openid email")
	require.Equal(t, []string{"openid", "profile", "email"}, got)
}

func TestParseEmpty(t *testing.T) {
	require.Empty(t, Parse(""))
	require.Empty(t, Parse("   "))
}

func TestJoinRoundTrip(t *testing.T) {
	scopes := []string{"openid", "profile", "wilford.manage"}
	require.Equal(t, scopes, Parse(Join(scopes)))
}

func TestContains(t *testing.T) {
	require.True(t, Contains([]string{"openid", ManageScope}, ManageScope))
	require.False(t, Contains([]string{"openid"}, ManageScope))
	require.False(t, Contains(nil, ManageScope))
}

func TestPermitted(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		permitted []string
		want      bool
	}{
		{"always-allowed only", []string{"openid", "profile", "email"}, nil, true},
		{"permitted covers extra scope", []string{"openid", "wilford.manage"}, []string{"wilford.manage"}, true},
		{"missing grant", []string{"openid", "wilford.manage"}, nil, false},
		{"empty request always permitted", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Permitted(tt.requested, tt.permitted))
		})
	}
}
