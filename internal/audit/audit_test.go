package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

func TestAppendAndReadDay_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, time.UTC)
	require.NoError(t, err)
	defer log.Close()

	ts := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	entry := model.AuditEntry{
		Timestamp: float64(ts.Unix()),
		EventCode: 3,
		ShopID:    10,
		Metadata:  model.AuditMetadata{Authorization: "abc123...", BodySize: 42},
	}
	require.NoError(t, log.Append(entry))

	entries, err := ReadDay(dir, "2026-03-05")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].EventCode)
	assert.Equal(t, int64(10), entries[0].ShopID)
}

func TestAppend_RotatesAcrossDays(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, time.UTC)
	require.NoError(t, err)
	defer log.Close()

	day1 := time.Date(2026, 3, 5, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 6, 0, 1, 0, 0, time.UTC)
	require.NoError(t, log.Append(model.AuditEntry{Timestamp: float64(day1.Unix())}))
	require.NoError(t, log.Append(model.AuditEntry{Timestamp: float64(day2.Unix())}))

	entries1, err := ReadDay(dir, "2026-03-05")
	require.NoError(t, err)
	assert.Len(t, entries1, 1)

	entries2, err := ReadDay(dir, "2026-03-06")
	require.NoError(t, err)
	assert.Len(t, entries2, 1)
}

func TestReadDay_MissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	entries, err := ReadDay(dir, "2099-01-01")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadDay_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, time.UTC)
	require.NoError(t, err)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, log.Append(model.AuditEntry{Timestamp: float64(ts.Unix()), EventCode: 4}))
	require.NoError(t, log.Close())

	f, err := os.OpenFile(filepath.Join(dir, "2026-01-01.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := ReadDay(dir, "2026-01-01")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].EventCode)
}
