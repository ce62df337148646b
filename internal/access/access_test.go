package access

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	rules []Rule
	err   error
}

func (s *stubStore) EffectiveRules(ruleID int64) ([]Rule, error) {
	return s.rules, s.err
}

func TestRule_Matches(t *testing.T) {
	tests := []struct {
		name    string
		cidr    string
		ip      string
		want    bool
		wantErr bool
	}{
		{"exact match", "10.1.2.3", "10.1.2.3", true, false},
		{"exact mismatch", "10.1.2.3", "10.1.2.4", false, false},
		{"cidr /8 inside", "10.0.0.0/8", "10.255.0.1", true, false},
		{"cidr /8 outside", "10.0.0.0/8", "11.0.0.1", false, false},
		{"cidr /24 inside", "192.168.1.0/24", "192.168.1.200", true, false},
		{"cidr /24 outside", "192.168.1.0/24", "192.168.2.1", false, false},
		{"cidr /32", "172.16.0.1/32", "172.16.0.1", true, false},
		{"cidr /0 matches all", "0.0.0.0/0", "8.8.8.8", true, false},
		{"garbage cidr", "not-a-cidr", "10.0.0.1", false, true},
		{"bad prefix", "10.0.0.0/33", "10.0.0.1", false, true},
		{"ipv6 client rejected", "10.0.0.0/8", "::1", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Rule{CIDR: tt.cidr}
			got, err := r.Matches(tt.ip)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateCIDR(t *testing.T) {
	assert.NoError(t, ValidateCIDR("10.0.0.0/8"))
	assert.NoError(t, ValidateCIDR("192.168.1.1"))
	assert.Error(t, ValidateCIDR("10.0.0.0/40"))
	assert.Error(t, ValidateCIDR("example.com"))
}

func TestDecider_FirstMatchWins(t *testing.T) {
	d := NewDecider(&stubStore{rules: []Rule{
		{CIDR: "10.0.0.0/8", Action: Deny, Priority: 1, Enabled: true},
		{CIDR: "10.1.0.0/16", Action: Allow, Priority: 2, Enabled: true},
	}}, nil)

	// The /8 deny comes first in priority order and decides.
	assert.False(t, d.Allowed("10.1.2.3", 1))
	// The allow rule makes the set a whitelist, so unmatched is denied too.
	assert.False(t, d.Allowed("11.0.0.1", 1))
}

func TestDecider_BlacklistOnlyAllowsUnmatched(t *testing.T) {
	d := NewDecider(&stubStore{rules: []Rule{
		{CIDR: "10.0.0.0/8", Action: Deny, Priority: 1, Enabled: true},
	}}, nil)

	assert.False(t, d.Allowed("10.1.2.3", 1))
	assert.True(t, d.Allowed("11.0.0.1", 1), "blacklist only, unmatched allowed")
}

func TestDecider_WhitelistSemantics(t *testing.T) {
	d := NewDecider(&stubStore{rules: []Rule{
		{CIDR: "192.168.0.0/16", Action: Allow, Priority: 1, Enabled: true},
	}}, nil)

	assert.True(t, d.Allowed("192.168.5.5", 1))
	assert.False(t, d.Allowed("10.0.0.1", 1), "whitelist present, unmatched denied")
}

func TestDecider_DisabledRulesIgnored(t *testing.T) {
	d := NewDecider(&stubStore{rules: []Rule{
		{CIDR: "10.0.0.0/8", Action: Deny, Priority: 1, Enabled: false},
	}}, nil)

	assert.True(t, d.Allowed("10.1.2.3", 1), "disabled rule must not deny")
}

func TestDecider_EmptySetAllows(t *testing.T) {
	d := NewDecider(&stubStore{}, nil)
	assert.True(t, d.Allowed("203.0.113.9", 1))
}

func TestDecider_FailsOpenOnStoreError(t *testing.T) {
	d := NewDecider(&stubStore{err: errors.New("db down")}, nil)

	assert.True(t, d.Allowed("10.0.0.1", 1))
	assert.Equal(t, uint64(1), d.PolicyErrors())
}

func TestDecider_FailsOpenOnBadCIDR(t *testing.T) {
	d := NewDecider(&stubStore{rules: []Rule{
		{CIDR: "bogus", Action: Deny, Priority: 1, Enabled: true},
	}}, nil)

	assert.True(t, d.Allowed("10.0.0.1", 1))
	assert.Equal(t, uint64(1), d.PolicyErrors())
}
