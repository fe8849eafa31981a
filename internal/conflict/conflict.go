// Package conflict detects and resolves concurrent edits to a user's
// settings document.
//
// Detection compares an incoming remote document against the locally cached
// copy. Resolution defaults to whole-document last-write-wins by updated_at;
// callers that want field-level control use the manual path instead.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/marlowe/crmsync/internal/models"
)

// ErrMergeRequiresDocument is returned when a manual merge supplies no
// merged document.
var ErrMergeRequiresDocument = errors.New("merge resolution requires a merged document")

// Winner identifies which side a resolution adopted.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Doc    *models.SettingsDocument
	Winner Winner
	Auto   bool
	Choice models.ResolutionChoice
}

// Detector classifies incoming remote documents as conflicting or not.
type Detector struct {
	skew time.Duration
}

// NewDetector creates a detector with the given clock-skew threshold.
func NewDetector(skew time.Duration) *Detector {
	return &Detector{skew: skew}
}

// Detect compares a remote document against the local cached copy.
// fillTime is when the local cache entry was filled. Returns nil when there
// is no conflict: no local copy exists, the timestamps are within the skew
// threshold, or the contents agree.
func (d *Detector) Detect(local *models.SettingsDocument, fillTime time.Time, remote *models.SettingsDocument, sourceDevice string) *models.ConflictRecord {
	if local == nil || remote == nil {
		return nil
	}

	delta := remote.UpdatedAt.Sub(fillTime)
	if delta < 0 {
		delta = -delta
	}
	if delta <= d.skew {
		return nil
	}

	diff := DiffGroups(local.SettingGroups, remote.SettingGroups)
	if len(diff) == 0 {
		return nil
	}

	return &models.ConflictRecord{
		UserID:          local.UserID,
		Local:           local.Clone(),
		Remote:          remote.Clone(),
		DifferingGroups: diff,
		DetectedAt:      time.Now().UTC(),
		SourceDeviceID:  sourceDevice,
	}
}

// DiffGroups returns the sorted names of top-level setting groups whose
// values differ between a and b, including groups present on only one side.
func DiffGroups(a, b map[string]json.RawMessage) []string {
	var diff []string
	for name, av := range a {
		bv, ok := b[name]
		if !ok || !jsonEqual(av, bv) {
			diff = append(diff, name)
		}
	}
	for name := range b {
		if _, ok := a[name]; !ok {
			diff = append(diff, name)
		}
	}
	sort.Strings(diff)
	return diff
}

// jsonEqual compares two JSON values structurally, so formatting and key
// order differences do not count as changes. Unparseable values fall back
// to byte comparison.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(av, bv)
}

// ResolveAuto applies last-write-wins: the document with the later
// updated_at is adopted in full. A timestamp tie adopts the remote copy so
// every device settles on the same side.
func ResolveAuto(c *models.ConflictRecord) Resolution {
	if c.Local.UpdatedAt.After(c.Remote.UpdatedAt) {
		return Resolution{Doc: c.Local.Clone(), Winner: WinnerLocal, Auto: true}
	}
	return Resolution{Doc: c.Remote.Clone(), Winner: WinnerRemote, Auto: true}
}

// ResolveManual applies an explicit caller choice. For Merge the caller
// supplies the merged document; its updated_at is stamped to now when unset
// so the merge wins LWW on other devices.
func ResolveManual(c *models.ConflictRecord, choice models.ResolutionChoice, merged *models.SettingsDocument) (Resolution, error) {
	switch choice {
	case models.TakeLocal:
		return Resolution{Doc: c.Local.Clone(), Winner: WinnerLocal, Choice: choice}, nil
	case models.TakeRemote:
		return Resolution{Doc: c.Remote.Clone(), Winner: WinnerRemote, Choice: choice}, nil
	case models.Merge:
		if merged == nil {
			return Resolution{}, ErrMergeRequiresDocument
		}
		doc := merged.Clone()
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = time.Now().UTC()
		}
		return Resolution{Doc: doc, Winner: WinnerMerged, Choice: choice}, nil
	default:
		return Resolution{}, fmt.Errorf("unknown resolution choice %q", choice)
	}
}
