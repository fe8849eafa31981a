package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlowe/crmsync/internal/models"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func docWith(groups map[string]string, updatedAt time.Time) *models.SettingsDocument {
	sg := make(map[string]json.RawMessage, len(groups))
	for k, v := range groups {
		sg[k] = json.RawMessage(v)
	}
	return &models.SettingsDocument{
		TenantID:      "t1",
		UserID:        "u1",
		SettingGroups: sg,
		UpdatedAt:     updatedAt,
	}
}

func TestDetect_NoLocalCopyMeansNoConflict(t *testing.T) {
	d := NewDetector(5 * time.Second)
	remote := docWith(map[string]string{"theme": `"dark"`}, baseTime)

	assert.Nil(t, d.Detect(nil, time.Time{}, remote, "dA"))
}

func TestDetect_WithinSkewIsNotAConflict(t *testing.T) {
	d := NewDetector(5 * time.Second)
	local := docWith(map[string]string{"theme": `"dark"`}, baseTime)
	remote := docWith(map[string]string{"theme": `"light"`}, baseTime.Add(3*time.Second))

	assert.Nil(t, d.Detect(local, baseTime, remote, "dA"),
		"timestamp delta inside the skew threshold is treated as clock noise")
}

func TestDetect_IdenticalContentIsNotAConflict(t *testing.T) {
	d := NewDetector(5 * time.Second)
	local := docWith(map[string]string{"theme": `{"mode":"dark","size":2}`}, baseTime)
	// Same value, different key order and whitespace.
	remote := docWith(map[string]string{"theme": `{ "size": 2, "mode": "dark" }`}, baseTime.Add(time.Minute))

	assert.Nil(t, d.Detect(local, baseTime, remote, "dA"))
}

func TestDetect_FlagsDifferingGroups(t *testing.T) {
	d := NewDetector(5 * time.Second)
	local := docWith(map[string]string{
		"theme":   `"dark"`,
		"locale":  `"en"`,
		"dialing": `{"prefix":"+1"}`,
	}, baseTime)
	remote := docWith(map[string]string{
		"theme":   `"light"`,
		"locale":  `"en"`,
		"notify":  `{"email":true}`,
	}, baseTime.Add(time.Minute))

	c := d.Detect(local, baseTime, remote, "dB")
	require.NotNil(t, c)
	assert.Equal(t, []string{"dialing", "notify", "theme"}, c.DifferingGroups)
	assert.Equal(t, "dB", c.SourceDeviceID)
	assert.Equal(t, "u1", c.UserID)
}

func TestDetect_StaleRemoteAlsoConflicts(t *testing.T) {
	d := NewDetector(5 * time.Second)
	local := docWith(map[string]string{"theme": `"dark"`}, baseTime)
	// Remote older than our cache fill by more than the skew window.
	remote := docWith(map[string]string{"theme": `"light"`}, baseTime.Add(-time.Minute))

	c := d.Detect(local, baseTime, remote, "dB")
	require.NotNil(t, c, "the skew comparison is absolute")
}

func TestResolveAuto_LastWriteWins(t *testing.T) {
	local := docWith(map[string]string{"theme": `"dark"`}, baseTime.Add(time.Minute))
	remote := docWith(map[string]string{"theme": `"light"`}, baseTime)
	c := &models.ConflictRecord{UserID: "u1", Local: local, Remote: remote}

	res := ResolveAuto(c)
	assert.Equal(t, WinnerLocal, res.Winner)
	assert.True(t, res.Auto)
	assert.JSONEq(t, `"dark"`, string(res.Doc.SettingGroups["theme"]))

	// Flip the timestamps.
	c = &models.ConflictRecord{
		UserID: "u1",
		Local:  docWith(map[string]string{"theme": `"dark"`}, baseTime),
		Remote: docWith(map[string]string{"theme": `"light"`}, baseTime.Add(time.Minute)),
	}
	res = ResolveAuto(c)
	assert.Equal(t, WinnerRemote, res.Winner)
	assert.JSONEq(t, `"light"`, string(res.Doc.SettingGroups["theme"]))
}

func TestResolveAuto_TieAdoptsRemote(t *testing.T) {
	c := &models.ConflictRecord{
		UserID: "u1",
		Local:  docWith(map[string]string{"theme": `"dark"`}, baseTime),
		Remote: docWith(map[string]string{"theme": `"light"`}, baseTime),
	}
	res := ResolveAuto(c)
	assert.Equal(t, WinnerRemote, res.Winner, "deterministic tiebreak so all devices converge")
}

func TestResolveManual(t *testing.T) {
	c := &models.ConflictRecord{
		UserID: "u1",
		Local:  docWith(map[string]string{"theme": `"dark"`}, baseTime),
		Remote: docWith(map[string]string{"theme": `"light"`}, baseTime.Add(time.Minute)),
	}

	res, err := ResolveManual(c, models.TakeLocal, nil)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)
	assert.False(t, res.Auto)

	res, err = ResolveManual(c, models.TakeRemote, nil)
	require.NoError(t, err)
	assert.Equal(t, WinnerRemote, res.Winner)

	merged := docWith(map[string]string{"theme": `"sepia"`}, time.Time{})
	res, err = ResolveManual(c, models.Merge, merged)
	require.NoError(t, err)
	assert.Equal(t, WinnerMerged, res.Winner)
	assert.JSONEq(t, `"sepia"`, string(res.Doc.SettingGroups["theme"]))
	assert.False(t, res.Doc.UpdatedAt.IsZero(), "merge result gets a fresh updated_at")

	_, err = ResolveManual(c, models.Merge, nil)
	assert.ErrorIs(t, err, ErrMergeRequiresDocument)

	_, err = ResolveManual(c, models.ResolutionChoice("coin_flip"), nil)
	assert.Error(t, err)
}

func TestResolutionsReturnCopies(t *testing.T) {
	local := docWith(map[string]string{"theme": `"dark"`}, baseTime.Add(time.Minute))
	c := &models.ConflictRecord{
		UserID: "u1",
		Local:  local,
		Remote: docWith(map[string]string{"theme": `"light"`}, baseTime),
	}

	res := ResolveAuto(c)
	res.Doc.SettingGroups["theme"] = json.RawMessage(`"mutated"`)
	assert.JSONEq(t, `"dark"`, string(c.Local.SettingGroups["theme"]))
}
