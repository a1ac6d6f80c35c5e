package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/internal/domain/services/rules"
)

func newCounter(t *testing.T, mode services.RoundingMode) *services.ManifestCounter {
	t.Helper()
	return services.NewManifestCounter(rules.MustDefault(), mode)
}

func TestClassifySize(t *testing.T) {
	tests := []struct {
		sizeKB int
		want   models.SizeClass
	}{
		{0, models.SizeClassNormal},
		{-5, models.SizeClassNormal},
		{1, models.SizeClassSmall},
		{400, models.SizeClassSmall},
		{401, models.SizeClassNormal},
		{14999, models.SizeClassNormal},
		{15000, models.SizeClassLarge},
		{80000, models.SizeClassLarge},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, services.ClassifySize(tt.sizeKB), "size %d", tt.sizeKB)
	}
}

func TestRoundingMode(t *testing.T) {
	tests := []struct {
		mode services.RoundingMode
		in   float64
		want int
	}{
		{services.RoundHalfEven, 2.5, 2},
		{services.RoundHalfEven, 1.5, 2},
		{services.RoundHalfEven, 0.5, 0},
		{services.RoundHalfEven, 1.2, 1},
		{services.RoundHalfAway, 2.5, 3},
		{services.RoundHalfAway, 0.5, 1},
		{services.RoundTruncate, 2.9, 2},
		{services.RoundTruncate, 0.5, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.mode.Round(tt.in), "%s(%v)", tt.mode, tt.in)
	}

	mode, err := services.ParseRoundingMode("")
	require.NoError(t, err)
	assert.Equal(t, services.RoundHalfEven, mode)

	_, err = services.ParseRoundingMode("bankers")
	assert.Error(t, err)
}

func TestCountFromPermissions(t *testing.T) {
	m := newCounter(t, services.RoundHalfEven)

	counts := m.CountFromPermissions([]string{
		"android.permission.SEND_SMS",
		"android.permission.READ_SMS",
		"android.permission.SEND_SMS",
		"android.permission.CAMERA",
		"android.permission.INTERNET",
		"com.example.app.permission.C2D_MESSAGE",
	}, 3)

	assert.Equal(t, 2, counts.Get(models.CategoryMessagingAbuse), "duplicates count once")
	assert.Equal(t, 1, counts.Get(models.CategoryMediaCapture))
	assert.Equal(t, 1, counts.Get(models.CategoryBackgroundPersistence))
	assert.Equal(t, 3, counts.Get(models.CategoryDangerousPermissions))
	assert.Equal(t, 7, counts.Total())

	fcm := m.CountFromPermissions([]string{
		"com.google.android.c2dm.permission.RECEIVE",
		"android.permission.NFC",
	}, 0)
	assert.Equal(t, 0, fcm.Get(models.CategoryBackgroundPersistence))
	assert.Equal(t, 0, fcm.Total())

	for _, id := range rules.MustDefault().CategoryIDs() {
		_, ok := counts[id]
		assert.True(t, ok, "category %s present", id)
	}
}

func TestCapCounts(t *testing.T) {
	m := newCounter(t, services.RoundHalfEven)
	in := models.CategoryCounts{
		models.CategoryDangerousPermissions: 10,
		models.CategoryMessagingAbuse:       1,
		models.CategoryNetwork:              40,
	}

	normal := m.CapCounts(in, models.SizeClassNormal)
	assert.Equal(t, 6, normal.Get(models.CategoryDangerousPermissions))
	assert.Equal(t, 1, normal.Get(models.CategoryMessagingAbuse))
	assert.Equal(t, 40, normal.Get(models.CategoryNetwork), "uncapped category passes through")

	small := m.CapCounts(in, models.SizeClassSmall)
	assert.Equal(t, 6, small.Get(models.CategoryDangerousPermissions))

	large := m.CapCounts(in, models.SizeClassLarge)
	assert.Equal(t, 3, large.Get(models.CategoryDangerousPermissions))
	assert.Equal(t, 1, large.Get(models.CategoryMessagingAbuse))

	assert.Equal(t, 10, in.Get(models.CategoryDangerousPermissions), "input untouched")
}

func TestSuppress(t *testing.T) {
	graph := models.CategoryCounts{
		models.CategoryAdministrativeControl: 1,
		models.CategoryFileOperations:        5,
	}
	manifest := models.CategoryCounts{
		models.CategoryMessagingAbuse:        2,
		models.CategoryAdministrativeControl: 1,
		models.CategoryDeviceFingerprinting:  3,
		models.CategoryFileOperations:        2,
		models.CategoryBackgroundPersistence: 1,
		models.CategoryLocation:              3,
	}

	t.Run("large and benign", func(t *testing.T) {
		out := newCounter(t, services.RoundHalfEven).Suppress(graph, manifest, models.SizeClassLarge, true)
		assert.Equal(t, 0, out.Get(models.CategoryMessagingAbuse), "manifest-only evidence dropped")
		assert.Equal(t, 1, out.Get(models.CategoryAdministrativeControl), "graph confirms")
		assert.Equal(t, 1, out.Get(models.CategoryDeviceFingerprinting), "3*0.4 rounds to 1")
		assert.Equal(t, 2, out.Get(models.CategoryFileOperations), "graph shows file operations")
		assert.Equal(t, 0, out.Get(models.CategoryBackgroundPersistence), "0.5 rounds half to even")
		assert.Equal(t, 3, out.Get(models.CategoryLocation))
		assert.Equal(t, 2, manifest.Get(models.CategoryMessagingAbuse), "input untouched")
	})

	t.Run("rounding modes", func(t *testing.T) {
		away := newCounter(t, services.RoundHalfAway).Suppress(graph, manifest, models.SizeClassLarge, true)
		assert.Equal(t, 1, away.Get(models.CategoryBackgroundPersistence))

		trunc := newCounter(t, services.RoundTruncate).Suppress(graph, manifest, models.SizeClassLarge, true)
		assert.Equal(t, 0, trunc.Get(models.CategoryBackgroundPersistence))
		assert.Equal(t, 1, trunc.Get(models.CategoryDeviceFingerprinting))
	})

	t.Run("other profiles pass through", func(t *testing.T) {
		m := newCounter(t, services.RoundHalfEven)
		assert.Equal(t, manifest, m.Suppress(graph, manifest, models.SizeClassLarge, false))
		assert.Equal(t, manifest, m.Suppress(graph, manifest, models.SizeClassNormal, true))
		assert.Equal(t, manifest, m.Suppress(graph, manifest, models.SizeClassSmall, true))
	})
}

func TestBenignHint(t *testing.T) {
	m := newCounter(t, services.RoundHalfEven)

	assert.True(t, m.BenignHint([]string{"android.permission.NFC", "android.permission.BLUETOOTH"}))
	assert.False(t, m.BenignHint([]string{"android.permission.NFC"}))
	assert.False(t, m.BenignHint([]string{"android.permission.NFC", "android.permission.NFC"}))
	assert.True(t, m.BenignHint([]string{
		"android.permission.NFC",
		"com.example.app.permission.C2D_MESSAGE",
	}))
	assert.False(t, m.BenignHint([]string{
		"com.google.android.c2dm.permission.RECEIVE",
		"android.permission.NFC",
	}), "namespaced hint entries never match after normalization")
	assert.False(t, m.BenignHint(nil))
}

func TestDangerousPermissions(t *testing.T) {
	m := newCounter(t, services.RoundHalfEven)
	got := m.DangerousPermissions([]string{
		"android.permission.SEND_SMS",
		"CAMERA",
		"android.permission.CAMERA",
		"android.permission.INTERNET",
	})
	assert.Equal(t, []string{"CAMERA", "SEND_SMS"}, got)
}

func TestEvaluate(t *testing.T) {
	m := newCounter(t, services.RoundHalfEven)

	meta := models.Metadata{
		SizeKB: 20000,
		Permissions: []string{
			"android.permission.SEND_SMS",
			"android.permission.NFC",
			"android.permission.BLUETOOTH",
			"android.permission.READ_PHONE_STATE",
			"android.permission.GET_ACCOUNTS",
		},
		DangerousHits: 10,
	}
	ev := m.Evaluate(meta, models.CategoryCounts{})

	assert.Equal(t, models.SizeClassLarge, ev.SizeClass)
	assert.True(t, ev.BenignHint)
	assert.Equal(t, 3, ev.Counts.Get(models.CategoryDangerousPermissions), "large cap")
	assert.Equal(t, 0, ev.Counts.Get(models.CategoryMessagingAbuse), "suppressed")
	// capped to 1, then 1*0.4 rounds to 0
	assert.Equal(t, 0, ev.Counts.Get(models.CategoryDeviceFingerprinting))
}
