package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"computehub/internal/license"
)

func TestExportWorkbook(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mintTestKey(t, store, testKey, license.TierPro)
	_, err := store.Bind(ctx, testKey, installX, "alpha (linux/amd64)", "10.0.0.1", storeNow)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ledger.xlsx")
	summary, err := ExportWorkbook(ctx, store, path)
	require.NoError(t, err)

	assert.Equal(t, path, summary.Path)
	assert.Equal(t, 1, summary.Keys)
	assert.Equal(t, 1, summary.Bindings)
	assert.Equal(t, 2, summary.Events, "mint and bind")

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t, []string{keysSheet, bindingsSheet, eventsSheet}, f.GetSheetList())

	keyCell, err := f.GetCellValue(keysSheet, "A2")
	require.NoError(t, err)
	assert.Equal(t, testKey, keyCell)

	tierCell, err := f.GetCellValue(keysSheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, string(license.TierPro), tierCell)

	bindingKey, err := f.GetCellValue(bindingsSheet, "A2")
	require.NoError(t, err)
	assert.Equal(t, testKey, bindingKey)

	boundAt, err := f.GetCellValue(bindingsSheet, "D2")
	require.NoError(t, err)
	parsed, err := time.Parse(time.RFC3339, boundAt)
	require.NoError(t, err)
	assert.WithinDuration(t, storeNow, parsed, time.Second)

	// Events sheet: newest first, so the bind precedes the mint.
	eventKind, err := f.GetCellValue(eventsSheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, EventBind, eventKind)
}

func TestExportWorkbookEmptyLedger(t *testing.T) {
	store := newTestStore(t)

	path := filepath.Join(t.TempDir(), "empty.xlsx")
	summary, err := ExportWorkbook(context.Background(), store, path)
	require.NoError(t, err)

	assert.Zero(t, summary.Keys)
	assert.Zero(t, summary.Bindings)
	assert.Zero(t, summary.Events)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue(keysSheet, "A1")
	require.NoError(t, err)
	assert.Equal(t, "License Key", header)
}
