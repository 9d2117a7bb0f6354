package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bmustore/internal/domain"
	"bmustore/internal/logging"
	"bmustore/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	SheetPending = "Pending"
	SheetFailed  = "Failed"
	timeLayout   = "2006-01-02 15:04:05"
)

var queueHeaders = []string{
	"ID", "Client ID", "Method", "URL", "Status", "Retries", "Last error", "Created", "Last attempt",
}

// Exporter writes the pending and failed queue items to an xlsx workbook
// for operators who triage stuck writes outside the CLI.
type Exporter struct {
	store  domain.QueueStore
	dir    string
	logger *zerolog.Logger
}

func NewExporter(store domain.QueueStore, dir string, logger *zerolog.Logger) *Exporter {
	return &Exporter{
		store:  store,
		dir:    dir,
		logger: logging.Component(logger, "export"),
	}
}

// Export writes the workbook to path, or to a timestamped file in the
// export directory when path is empty, and returns where it was written.
func (e *Exporter) Export(ctx context.Context, path string) (string, error) {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return "", fmt.Errorf("error listing pending items: %w", err)
	}
	failed, err := e.store.ListFailed(ctx)
	if err != nil {
		return "", fmt.Errorf("error listing failed items: %w", err)
	}

	if path == "" {
		path = filepath.Join(e.dir, fmt.Sprintf("queue_export_%s.xlsx", time.Now().Format("2006-01-02_15-04-05")))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return "", fmt.Errorf("error creating header style: %w", err)
	}

	sheets := []struct {
		name  string
		items []*models.QueueItem
		color string
	}{
		{SheetPending, pending, "#FFEB9C"},
		{SheetFailed, failed, "#FFC7CE"},
	}
	for i, s := range sheets {
		index, err := f.NewSheet(s.name)
		if err != nil {
			return "", fmt.Errorf("error creating sheet: %w", err)
		}
		if i == 0 {
			f.SetActiveSheet(index)
		}
		statusStyle, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{s.color}, Pattern: 1},
		})
		if err != nil {
			return "", fmt.Errorf("error creating status style: %w", err)
		}
		writeQueueSheet(f, s.name, s.items, headerStyle, statusStyle)
	}

	_ = f.DeleteSheet("Sheet1")

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.logger.Info().
		Str("file_path", path).
		Int("pending", len(pending)).
		Int("failed", len(failed)).
		Msg("Queue export created")
	return path, nil
}

func writeQueueSheet(f *excelize.File, sheet string, items []*models.QueueItem, headerStyle, statusStyle int) {
	for i, header := range queueHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}
	last, _ := excelize.CoordinatesToCellName(len(queueHeaders), 1)
	_ = f.SetCellStyle(sheet, "A1", last, headerStyle)

	for i, item := range items {
		row := i + 2
		lastError := ""
		if item.LastError != nil {
			lastError = *item.LastError
		}
		lastAttempt := ""
		if item.LastAttempt != nil {
			lastAttempt = item.LastAttempt.Format(timeLayout)
		}
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), item.ID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), item.ClientID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), item.Method)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), item.URL)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), string(item.Status))
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row), item.RetryCount)
		_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", row), lastError)
		_ = f.SetCellValue(sheet, fmt.Sprintf("H%d", row), item.CreatedAt.Format(timeLayout))
		_ = f.SetCellValue(sheet, fmt.Sprintf("I%d", row), lastAttempt)
		_ = f.SetCellStyle(sheet, fmt.Sprintf("E%d", row), fmt.Sprintf("E%d", row), statusStyle)
	}

	_ = f.SetColWidth(sheet, "A", "A", 8)
	_ = f.SetColWidth(sheet, "B", "B", 38)
	_ = f.SetColWidth(sheet, "C", "C", 10)
	_ = f.SetColWidth(sheet, "D", "D", 40)
	_ = f.SetColWidth(sheet, "E", "F", 10)
	_ = f.SetColWidth(sheet, "G", "G", 50)
	_ = f.SetColWidth(sheet, "H", "I", 20)
}
