package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"
)

// mirrorRange is where activation events land in the back-office
// spreadsheet.
const mirrorRange = "Activations!A:F"

const mirrorQueueSize = 256

// SheetsMirror asynchronously appends activation events to a Google
// Sheet for the licensing back office. It is strictly best-effort:
// enqueueing never blocks the bind path, and a full queue drops the
// event with a warning.
type SheetsMirror struct {
	service       *sheets.Service
	spreadsheetID string
	logger        *slog.Logger

	queue     chan []interface{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSheetsMirror builds a mirror from a service-account credentials
// file and starts its worker.
func NewSheetsMirror(ctx context.Context, credentialsFile, spreadsheetID string, logger *slog.Logger) (*SheetsMirror, error) {
	if credentialsFile == "" || spreadsheetID == "" {
		return nil, fmt.Errorf("sheets mirror requires a credentials file and a spreadsheet id")
	}
	if logger == nil {
		logger = slog.Default()
	}

	service, err := sheets.NewService(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	m := &SheetsMirror{
		service:       service,
		spreadsheetID: spreadsheetID,
		logger:        logger.With(slog.String("component", "sheets-mirror")),
		queue:         make(chan []interface{}, mirrorQueueSize),
	}
	m.wg.Add(1)
	go m.run()
	return m, nil
}

// Append enqueues one event. Never blocks.
func (m *SheetsMirror) Append(ev Event) {
	row := []interface{}{
		ev.OccurredAt.UTC().Format(time.RFC3339),
		ev.Event,
		ev.LicenseKey,
		ev.InstallationID,
		ev.DeviceHint,
		ev.ClientIP,
	}

	select {
	case m.queue <- row:
	default:
		m.logger.Warn("sheets mirror queue full, dropping event",
			slog.String("event", ev.Event))
	}
}

func (m *SheetsMirror) run() {
	defer m.wg.Done()

	for row := range m.queue {
		valueRange := &sheets.ValueRange{Values: [][]interface{}{row}}
		_, err := m.service.Spreadsheets.Values.
			Append(m.spreadsheetID, mirrorRange, valueRange).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Do()
		if err != nil {
			m.logger.Warn("sheets mirror append failed",
				slog.String("error", err.Error()))
		}
	}
}

// Close drains the queue and stops the worker.
func (m *SheetsMirror) Close() {
	m.closeOnce.Do(func() {
		close(m.queue)
	})
	m.wg.Wait()
}
