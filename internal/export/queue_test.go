package export

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"

	"bmustore/internal/database"
	"bmustore/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestExportQueue(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	pending := &models.QueueItem{URL: "/api/items", Method: http.MethodPost, Body: []byte(`{"code":"X1"}`)}
	require.NoError(t, db.Enqueue(ctx, pending))
	failed := &models.QueueItem{URL: "/api/items/9", Method: http.MethodDelete}
	require.NoError(t, db.Enqueue(ctx, failed))
	require.NoError(t, db.MarkPermanentFailure(ctx, failed.ID, "http 404: Not Found"))

	dir := t.TempDir()
	out := filepath.Join(dir, "nested", "queue.xlsx")
	path, err := NewExporter(db, dir, &logger).Export(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, out, path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetPending, SheetFailed}, f.GetSheetList())

	rows, err := f.GetRows(SheetPending)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, queueHeaders, rows[0])
	assert.Equal(t, pending.ClientID, rows[1][1])
	assert.Equal(t, http.MethodPost, rows[1][2])
	assert.Equal(t, "/api/items", rows[1][3])
	assert.Equal(t, "pending", rows[1][4])

	rows, err = f.GetRows(SheetFailed)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "failed", rows[1][4])
	assert.Equal(t, "http 404: Not Found", rows[1][6])
}

func TestExportDefaultPath(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	defer db.Close()

	dir := t.TempDir()
	path, err := NewExporter(db, dir, &logger).Export(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.FileExists(t, path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(SheetFailed)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
