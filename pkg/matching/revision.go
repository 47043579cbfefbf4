package matching

import (
	"time"

	"github.com/mila-iqia/sarc/pkg/api/base"
	"github.com/mila-iqia/sarc/pkg/api/models"
)

// Write is the unit of persistence produced by a merge: a new revision to
// insert, optionally paired with the previous revision to close. The store
// must apply the pair atomically.
type Write struct {
	Close  *models.UserRecord
	Insert models.UserRecord
}

// BuildDesired combines one match decision into the user record it implies,
// without validity interval fields. External identity fields are left empty
// for unmatched and ignored identities.
func BuildDesired(d Decision) models.UserRecord {
	record := models.UserRecord{
		MilaEmail:       d.Internal.Email,
		MilaUsername:    d.Internal.Username,
		DisplayName:     d.Internal.DisplayName,
		Status:          d.Internal.Status,
		Supervisor:      d.Internal.Supervisor,
		CoSupervisor:    d.Internal.CoSupervisor,
		MatchStatus:     d.Status,
		MatchConfidence: d.Confidence,
	}

	switch {
	case d.Member != nil:
		record.DracUsername = d.Member.Username
		record.DracEmail = d.Member.Email
		record.DracDisplayName = d.Member.Name
	case d.Role != nil:
		record.DracUsername = d.Role.Username
		record.DracEmail = d.Role.Email
		record.DracDisplayName = d.Role.Name
	}

	return record
}

// HasChanged compares two revisions of a user field by field, excluding the
// database id and the validity interval.
func HasChanged(a, b models.UserRecord) bool {
	a.ID, b.ID = 0, 0
	a.RecordStart, b.RecordStart = "", ""
	a.RecordStartTS, b.RecordStartTS = 0, 0
	a.RecordEnd, b.RecordEnd = "", ""
	a.RecordEndTS, b.RecordEndTS = 0, 0

	return a != b
}

// ComputeWrites compares the desired records of this run against the
// currently active revisions and returns the writes to apply. An identity
// whose desired record equals its active revision produces no write, so a
// second run over identical inputs is a no-op. Identities present in the
// store but absent from decisions are deliberately left open, disappearance
// from a scrape may be a transient source failure rather than a departure.
func ComputeWrites(active map[string]models.UserRecord, decisions []Decision, now time.Time) []Write {
	var writes []Write

	for _, d := range decisions {
		desired := BuildDesired(d)

		current, exists := active[desired.MilaEmail]
		if exists && !HasChanged(current, desired) {
			continue
		}

		desired.RecordStart = now.Format(base.DatetimeLayout)
		desired.RecordStartTS = now.UnixMilli()

		w := Write{Insert: desired}
		if exists {
			closed := current
			closed.RecordEnd = desired.RecordStart
			closed.RecordEndTS = desired.RecordStartTS
			w.Close = &closed
		}

		writes = append(writes, w)
	}

	return writes
}
