package matching

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mila-iqia/sarc/pkg/api/models"
)

var noOpLogger = slog.New(slog.DiscardHandler)

func decisionFor(t *testing.T, decisions []Decision, email string) Decision {
	t.Helper()

	for _, d := range decisions {
		if d.Internal.Email == email {
			return d
		}
	}

	t.Fatalf("no decision for %s", email)

	return Decision{}
}

func TestMatchByEmail(t *testing.T) {
	members := []RosterMember{
		{Username: "alice01", Name: "Alice Tremblay", Email: "alice@mila.quebec", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{}, noOpLogger)

	decisions := m.Match([]InternalIdentity{
		{Email: "alice@mila.quebec", DisplayName: "Alice Tremblay"},
	})
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, models.MatchStatusMatched, d.Status)
	assert.Equal(t, ConfidenceExact, d.Confidence)
	assert.Equal(t, RuleEmail, d.Rule)
	require.NotNil(t, d.Member)
	assert.Equal(t, "alice01", d.Member.Username)
}

func TestMatchByUsernameFromLocalPart(t *testing.T) {
	// External username equals the normalized email local part
	members := []RosterMember{
		{Username: "Bob.Roy", Name: "Robert Roy", Email: "bob@computecanada.ca", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{}, noOpLogger)

	decisions := m.Match([]InternalIdentity{
		{Email: "bob.roy@mila.quebec", DisplayName: "Someone Else Entirely"},
	})
	require.Len(t, decisions, 1)
	assert.Equal(t, models.MatchStatusMatched, decisions[0].Status)
	assert.Equal(t, RuleUsername, decisions[0].Rule)
}

func TestMatchByExactName(t *testing.T) {
	members := []RosterMember{
		{Username: "ctremblay", Name: "Claire Tremblay", Email: "claire@computecanada.ca", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{}, noOpLogger)

	decisions := m.Match([]InternalIdentity{
		{Email: "claire@mila.quebec", DisplayName: "Claire  Tremblay"},
	})
	require.Len(t, decisions, 1)
	assert.Equal(t, models.MatchStatusMatched, decisions[0].Status)
	assert.Equal(t, ConfidenceHigh, decisions[0].Confidence)
	assert.Equal(t, RuleName, decisions[0].Rule)
}

func TestMatchByFuzzyName(t *testing.T) {
	members := []RosterMember{
		{Username: "dgagnon", Name: "Daniele Gagnon", Email: "dg@computecanada.ca", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{}, noOpLogger)

	// One edit away after normalization
	decisions := m.Match([]InternalIdentity{
		{Email: "daniele@mila.quebec", DisplayName: "Danielle Gagnon"},
	})
	require.Len(t, decisions, 1)
	assert.Equal(t, models.MatchStatusMatched, decisions[0].Status)
	assert.Equal(t, ConfidenceHigh, decisions[0].Confidence)
	assert.Equal(t, RuleFuzzy, decisions[0].Rule)
}

func TestMatchAmbiguousNeverBinds(t *testing.T) {
	members := []RosterMember{
		{Username: "jsmith1", Name: "John Smith", Email: "js1@computecanada.ca", ActivationStatus: "activated"},
		{Username: "jsmith2", Name: "John Smith", Email: "js2@computecanada.ca", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{}, noOpLogger)

	decisions := m.Match([]InternalIdentity{
		{Email: "john@mila.quebec", DisplayName: "John Smith"},
	})
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, models.MatchStatusUnmatched, d.Status)
	assert.Equal(t, ConfidenceLow, d.Confidence)
	assert.Nil(t, d.Member)
	assert.Nil(t, d.Role)
	assert.ElementsMatch(t, []string{"jsmith1", "jsmith2"}, d.Candidates)
}

func TestMatchIgnoreBeatsEverything(t *testing.T) {
	members := []RosterMember{
		{Username: "alice01", Name: "Alice Tremblay", Email: "alice@mila.quebec", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{IgnoreEmails: []string{"alice@mila.quebec"}}, noOpLogger)

	decisions := m.Match([]InternalIdentity{
		{Email: "alice@mila.quebec", DisplayName: "Alice Tremblay"},
	})
	require.Len(t, decisions, 1)
	assert.Equal(t, models.MatchStatusIgnored, decisions[0].Status)
	assert.Nil(t, decisions[0].Member)
}

func TestMatchOverrideBeatsAutomatedRules(t *testing.T) {
	members := []RosterMember{
		{Username: "alice01", Name: "Alice Tremblay", Email: "alice@mila.quebec", ActivationStatus: "activated"},
		{Username: "shared01", Name: "Shared Account", Email: "shared@computecanada.ca", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{
		Overrides: map[string]string{"alice@mila.quebec": "Shared_01"},
	}, noOpLogger)

	decisions := m.Match([]InternalIdentity{
		{Email: "alice@mila.quebec", DisplayName: "Alice Tremblay"},
	})
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, models.MatchStatusOverride, d.Status)
	assert.Equal(t, RuleOverride, d.Rule)
	require.NotNil(t, d.Member)
	assert.Equal(t, "shared01", d.Member.Username)
}

func TestMatchOverrideUnknownUsername(t *testing.T) {
	m := NewMatcher(nil, nil, Config{
		Overrides: map[string]string{"alice@mila.quebec": "ghost"},
	}, noOpLogger)

	decisions := m.Match([]InternalIdentity{
		{Email: "alice@mila.quebec", DisplayName: "Alice Tremblay"},
	})
	require.Len(t, decisions, 1)
	assert.Equal(t, models.MatchStatusOverride, decisions[0].Status)
	assert.Nil(t, decisions[0].Member)
	assert.Nil(t, decisions[0].Role)
}

func TestMatchUnmatched(t *testing.T) {
	members := []RosterMember{
		{Username: "zoe01", Name: "Zoe Completely Different", Email: "zoe@computecanada.ca", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{}, noOpLogger)

	decisions := m.Match([]InternalIdentity{
		{Email: "yann@mila.quebec", DisplayName: "Yann Lavoie"},
	})
	require.Len(t, decisions, 1)
	assert.Equal(t, models.MatchStatusUnmatched, decisions[0].Status)
	assert.Empty(t, decisions[0].Candidates)
}

func TestMatchPhantomProfiles(t *testing.T) {
	// A roster member registered with an internal email that has no
	// directory entry gets a synthetic identity
	members := []RosterMember{
		{Username: "eve01", Name: "Eve Moreau", Email: "eve@mila.quebec", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{InternalDomain: "mila.quebec"}, noOpLogger)

	decisions := m.Match(nil)
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, "eve@mila.quebec", d.Internal.Email)
	assert.Equal(t, "eve", d.Internal.Username)
	assert.Equal(t, "unknown", d.Internal.Status)
	assert.Equal(t, models.MatchStatusMatched, d.Status)
	assert.Equal(t, RuleEmail, d.Rule)
}

func TestMatchPhantomRespectsIgnoreList(t *testing.T) {
	members := []RosterMember{
		{Username: "eve01", Name: "Eve Moreau", Email: "eve@mila.quebec", ActivationStatus: "activated"},
	}
	m := NewMatcher(members, nil, Config{
		InternalDomain: "mila.quebec",
		IgnoreEmails:   []string{"eve@mila.quebec"},
	}, noOpLogger)

	assert.Empty(t, m.Match(nil))
}

func TestMatchStableOrder(t *testing.T) {
	internals := []InternalIdentity{
		{Email: "zoe@mila.quebec", DisplayName: "Zoe"},
		{Email: "alice@mila.quebec", DisplayName: "Alice"},
	}
	m := NewMatcher(nil, nil, Config{}, noOpLogger)

	decisions := m.Match(internals)
	require.Len(t, decisions, 2)
	assert.Equal(t, "alice@mila.quebec", decisions[0].Internal.Email)
	assert.Equal(t, "zoe@mila.quebec", decisions[1].Internal.Email)
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"alice tremblay", "alice tremblay", 0},
		{"danielle gagnon", "daniele gagnon", 1},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, levenshteinDistance(test.a, test.b), "%s vs %s", test.a, test.b)
	}
}
