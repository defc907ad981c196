// Package conflict decides which of two copies of the same task is authoritative.
//
// Resolution is whole-record last-writer-wins on the effective timestamp
// (deletedAt when tombstoned, updatedAt otherwise). When both effective
// timestamps are equal the incumbent copy is kept: IsRemoteNewer reports false
// and the caller leaves what it already has. The same function is used by the
// device when merging pulled records and by the server when merging pushes.
package conflict

import (
	"time"

	"tasksync/internal/models"
)

func EffectiveTimestamp(t models.Task) time.Time {
	return t.EffectiveAt()
}

// IsRemoteNewer reports whether remote should replace local.
func IsRemoteNewer(remote, local models.Task) bool {
	return EffectiveTimestamp(remote).After(EffectiveTimestamp(local))
}
