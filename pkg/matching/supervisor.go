package matching

import (
	"log/slog"
	"strings"
)

// ResolveSupervisors rewrites supervisor and co-supervisor fields that hold
// a display name rather than an email, by looking the name up in the
// directory itself. Unresolved values are kept as-is with a warning, losing
// the raw name would be worse than keeping it unresolved.
func ResolveSupervisors(internals []InternalIdentity, logger *slog.Logger) {
	byDisplayName := make(map[string][]string)
	for _, internal := range internals {
		name := NormalizeName(internal.DisplayName)
		byDisplayName[name] = append(byDisplayName[name], internal.Email)
	}

	resolve := func(value, field, owner string) string {
		if value == "" || strings.Contains(value, "@") {
			return value
		}

		emails := byDisplayName[NormalizeName(value)]
		if len(emails) == 1 {
			return emails[0]
		}

		logger.Warn(
			"No unique email found for supervisor display name",
			"field", field, "user", owner, "value", value, "candidates", len(emails),
		)

		return value
	}

	for i := range internals {
		internals[i].Supervisor = resolve(internals[i].Supervisor, "supervisor", internals[i].Email)
		internals[i].CoSupervisor = resolve(internals[i].CoSupervisor, "co_supervisor", internals[i].Email)
	}
}
