package matching

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/mila-iqia/sarc/pkg/api/models"
)

// Match confidences.
const (
	ConfidenceExact = "exact"
	ConfidenceHigh  = "high"
	ConfidenceLow   = "low"
)

// Rules that can bind an internal identity to an external account. Recorded
// on each decision so that operators can audit how a match was made.
const (
	RuleOverride = "override"
	RuleEmail    = "email"
	RuleUsername = "username"
	RuleName     = "name"
	RuleFuzzy    = "fuzzy"
)

// DefaultMaxNameDistance is the default acceptance threshold for fuzzy name
// matching, expressed as a Levenshtein distance over normalized names. It is
// configurable as the right value is validated against the historical
// override and ignore lists rather than fixed.
const DefaultMaxNameDistance = 2

// Config contains the immutable inputs of a matching run besides the
// fragments themselves.
type Config struct {
	// Internal emails known to have no valid external counterpart
	IgnoreEmails []string `yaml:"ignore_emails"`
	// Internal email to external username, bypassing automated matching
	Overrides map[string]string `yaml:"overrides"`
	// Fuzzy matching acceptance threshold
	MaxNameDistance int `yaml:"max_name_distance"`
	// Email domain of the internal directory, used to create phantom
	// profiles for roster rows with an internal email but no directory entry
	InternalDomain string `yaml:"internal_domain"`
}

// Decision is the outcome of matching one internal identity.
type Decision struct {
	Internal   InternalIdentity
	Status     string
	Confidence string
	Rule       string
	Member     *RosterMember
	Role       *RosterRole
	// External usernames that all cleared the fuzzy threshold. Filled only
	// for ambiguous outcomes, for operators to extend the override list
	Candidates []string
}

// Matcher finds at most one external account per internal identity. It is a
// pure computation over in-memory fragments, callers persist the results.
type Matcher struct {
	cfg    Config
	logger *slog.Logger

	ignored           map[string]struct{}
	membersByUsername map[string]*RosterMember
	membersByEmail    map[string]*RosterMember
	rolesByUsername   map[string]*RosterRole
	rolesByEmail      map[string]*RosterRole
}

// NewMatcher returns a new Matcher over the given roster fragments.
func NewMatcher(members []RosterMember, roles []RosterRole, cfg Config, logger *slog.Logger) *Matcher {
	if cfg.MaxNameDistance <= 0 {
		cfg.MaxNameDistance = DefaultMaxNameDistance
	}

	m := &Matcher{
		cfg:               cfg,
		logger:            logger,
		ignored:           make(map[string]struct{}, len(cfg.IgnoreEmails)),
		membersByUsername: make(map[string]*RosterMember, len(members)),
		membersByEmail:    make(map[string]*RosterMember, len(members)),
		rolesByUsername:   make(map[string]*RosterRole, len(roles)),
		rolesByEmail:      make(map[string]*RosterRole, len(roles)),
	}

	for _, email := range cfg.IgnoreEmails {
		m.ignored[email] = struct{}{}
	}

	for i := range members {
		m.membersByUsername[NormalizeUsername(members[i].Username)] = &members[i]
		m.membersByEmail[members[i].Email] = &members[i]
	}

	for i := range roles {
		m.rolesByUsername[NormalizeUsername(roles[i].Username)] = &roles[i]
		m.rolesByEmail[roles[i].Email] = &roles[i]
	}

	return m
}

// Match computes one Decision per internal identity, in a stable order.
// Phantom identities are synthesized for roster rows carrying an internal
// domain email that has no directory entry, so that federation-only accounts
// still end up with a user record.
func (m *Matcher) Match(internals []InternalIdentity) []Decision {
	internals = m.withPhantoms(internals)

	// Sort to make the matching pipeline predictable across runs
	sort.Slice(internals, func(i, j int) bool {
		return internals[i].Email < internals[j].Email
	})

	decisions := make([]Decision, 0, len(internals))
	for _, internal := range internals {
		decisions = append(decisions, m.match(internal))
	}

	return decisions
}

// match applies the matching rules in priority order for one identity.
func (m *Matcher) match(internal InternalIdentity) Decision {
	d := Decision{Internal: internal, Status: models.MatchStatusUnmatched}

	// 1. Ignore list
	if _, ok := m.ignored[internal.Email]; ok {
		d.Status = models.MatchStatusIgnored

		return d
	}

	// 2. Manual override, bypassing automated matching entirely
	if extUsername, ok := m.cfg.Overrides[internal.Email]; ok {
		d.Status = models.MatchStatusOverride
		d.Confidence = ConfidenceExact
		d.Rule = RuleOverride
		d.Member = m.membersByUsername[NormalizeUsername(extUsername)]
		d.Role = m.rolesByUsername[NormalizeUsername(extUsername)]

		if d.Member == nil && d.Role == nil {
			m.logger.Warn(
				"Override external username not found in rosters",
				"email", internal.Email, "username", extUsername,
			)
		}

		return d
	}

	// 3. Exact: roster rows registered with the internal email itself
	member, role := m.membersByEmail[internal.Email], m.rolesByEmail[internal.Email]
	if member != nil || role != nil {
		d.Status = models.MatchStatusMatched
		d.Confidence = ConfidenceExact
		d.Rule = RuleEmail
		d.Member = member
		d.Role = role

		return d
	}

	// Exact: external username derived from the internal email local part
	if local := NormalizeUsername(EmailLocalPart(internal.Email)); local != "" {
		member, role = m.membersByUsername[local], m.rolesByUsername[local]
		if member != nil || role != nil {
			d.Status = models.MatchStatusMatched
			d.Confidence = ConfidenceExact
			d.Rule = RuleUsername
			d.Member = member
			d.Role = role

			return d
		}
	}

	// 4./5. Name matching on normalized display names
	return m.matchByName(internal, d)
}

// candidate is one external account considered during name matching.
type candidate struct {
	username string
	distance int
	member   *RosterMember
	role     *RosterRole
}

// matchByName tries exact then fuzzy matching on normalized names. Both
// rules accept only when a single external account qualifies, several
// qualifying candidates are ambiguity to be resolved by hand.
func (m *Matcher) matchByName(internal InternalIdentity, d Decision) Decision {
	name := NormalizeName(internal.DisplayName)
	if name == "" {
		return d
	}

	candidates := m.candidatesWithin(name, m.cfg.MaxNameDistance)

	exact := make([]candidate, 0, 1)

	for _, c := range candidates {
		if c.distance == 0 {
			exact = append(exact, c)
		}
	}

	switch {
	case len(exact) == 1:
		d.Status = models.MatchStatusMatched
		d.Confidence = ConfidenceHigh
		d.Rule = RuleName
		d.Member = exact[0].member
		d.Role = exact[0].role
	case len(exact) > 1:
		// Several externals share the exact normalized name, never guess
		d.Confidence = ConfidenceLow
		d.Rule = RuleName
		d.Candidates = usernames(exact)
	case len(candidates) == 1:
		d.Status = models.MatchStatusMatched
		d.Confidence = ConfidenceHigh
		d.Rule = RuleFuzzy
		d.Member = candidates[0].member
		d.Role = candidates[0].role
	case len(candidates) > 1:
		// Silently picking among ambiguous candidates is worse than
		// leaving unmatched
		d.Confidence = ConfidenceLow
		d.Rule = RuleFuzzy
		d.Candidates = usernames(candidates)
	}

	return d
}

// candidatesWithin returns all external accounts whose normalized name is
// within maxDistance of name, merged across member and role rosters by
// username.
func (m *Matcher) candidatesWithin(name string, maxDistance int) []candidate {
	byUsername := make(map[string]*candidate)

	var order []string

	for _, member := range m.membersByUsername {
		dist := levenshteinDistance(name, NormalizeName(member.Name))
		if dist > maxDistance {
			continue
		}

		key := NormalizeUsername(member.Username)
		byUsername[key] = &candidate{username: member.Username, distance: dist, member: member}
		order = append(order, key)
	}

	for _, role := range m.rolesByUsername {
		dist := levenshteinDistance(name, NormalizeName(role.Name))
		if dist > maxDistance {
			continue
		}

		key := NormalizeUsername(role.Username)
		if existing, ok := byUsername[key]; ok {
			existing.role = role

			if dist < existing.distance {
				existing.distance = dist
			}

			continue
		}

		byUsername[key] = &candidate{username: role.Username, distance: dist, role: role}
		order = append(order, key)
	}

	sort.Strings(order)

	candidates := make([]candidate, 0, len(byUsername))
	for _, key := range order {
		candidates = append(candidates, *byUsername[key])
	}

	return candidates
}

// withPhantoms appends synthetic internal identities for roster rows whose
// email belongs to the internal domain but has no directory entry.
func (m *Matcher) withPhantoms(internals []InternalIdentity) []InternalIdentity {
	if m.cfg.InternalDomain == "" {
		return internals
	}

	known := make(map[string]struct{}, len(internals))
	for _, internal := range internals {
		known[internal.Email] = struct{}{}
	}

	suffix := "@" + m.cfg.InternalDomain

	appendPhantom := func(email, name string) {
		if email == "" || !strings.HasSuffix(email, suffix) {
			return
		}

		if _, ok := known[email]; ok {
			return
		}

		if _, ok := m.ignored[email]; ok {
			m.logger.Info("Ignoring phantom profile", "email", email)

			return
		}

		m.logger.Info("Creating phantom profile", "email", email)

		internals = append(internals, InternalIdentity{
			Email:       email,
			Username:    EmailLocalPart(email),
			DisplayName: name,
			Status:      "unknown",
		})
		known[email] = struct{}{}
	}

	for _, member := range m.membersByUsername {
		appendPhantom(member.Email, member.Name)
	}

	for _, role := range m.rolesByUsername {
		appendPhantom(role.Email, role.Name)
	}

	return internals
}

func usernames(candidates []candidate) []string {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.username)
	}

	return names
}

// levenshteinDistance computes the edit distance between two strings using
// two rows instead of a full matrix for O(min(m,n)) space.
func levenshteinDistance(a, b string) int {
	aRunes := []rune(a)
	bRunes := []rune(b)
	aLen := len(aRunes)
	bLen := len(bRunes)

	if aLen == 0 {
		return bLen
	}

	if bLen == 0 {
		return aLen
	}

	// Iterate over the shorter string in the inner loop
	if aLen > bLen {
		aRunes, bRunes = bRunes, aRunes
		aLen, bLen = bLen, aLen
	}

	prevRow := make([]int, aLen+1)
	currRow := make([]int, aLen+1)

	for i := 0; i <= aLen; i++ {
		prevRow[i] = i
	}

	for j := 1; j <= bLen; j++ {
		currRow[0] = j

		for i := 1; i <= aLen; i++ {
			cost := 1
			if aRunes[i-1] == bRunes[j-1] {
				cost = 0
			}

			currRow[i] = min(prevRow[i]+1, currRow[i-1]+1, prevRow[i-1]+cost)
		}

		prevRow, currRow = currRow, prevRow
	}

	return prevRow[aLen]
}
