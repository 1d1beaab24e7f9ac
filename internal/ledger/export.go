package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

// Export sheet layout.
const (
	keysSheet     = "Keys"
	bindingsSheet = "Bindings"
	eventsSheet   = "Events"

	// eventExportLimit caps the Events sheet so a long-lived ledger
	// still exports quickly; older rows stay queryable in SQLite.
	eventExportLimit = 10000
)

// ExportSummary reports what an export wrote.
type ExportSummary struct {
	Path     string
	Keys     int
	Bindings int
	Events   int
}

// ExportWorkbook writes the whole ledger to an Excel workbook with
// Keys, Bindings, and Events sheets.
func ExportWorkbook(ctx context.Context, store *Store, path string) (*ExportSummary, error) {
	keys, err := store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	bindings, err := store.ListBindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	events, err := store.ListEvents(ctx, eventExportLimit)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", keysSheet); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if _, err := f.NewSheet(bindingsSheet); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if _, err := f.NewSheet(eventsSheet); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	if err := writeSheet(f, keysSheet, headerStyle,
		[]interface{}{"License Key", "Tier", "Note", "Revoked", "Created At"},
		len(keys), func(i int) []interface{} {
			k := keys[i]
			return []interface{}{k.Key, string(k.Tier), k.Note, k.Revoked, exportTime(k.CreatedAt)}
		}); err != nil {
		return nil, err
	}

	if err := writeSheet(f, bindingsSheet, headerStyle,
		[]interface{}{"License Key", "Installation ID", "Device Hint", "Bound At", "Last Seen At"},
		len(bindings), func(i int) []interface{} {
			b := bindings[i]
			return []interface{}{b.LicenseKey, b.InstallationID, b.DeviceHint, exportTime(b.BoundAt), exportTime(b.LastSeenAt)}
		}); err != nil {
		return nil, err
	}

	if err := writeSheet(f, eventsSheet, headerStyle,
		[]interface{}{"Occurred At", "Event", "License Key", "Installation ID", "Device Hint", "Client IP"},
		len(events), func(i int) []interface{} {
			ev := events[i]
			return []interface{}{exportTime(ev.OccurredAt), ev.Event, ev.LicenseKey, ev.InstallationID, ev.DeviceHint, ev.ClientIP}
		}); err != nil {
		return nil, err
	}

	if err := f.SaveAs(path); err != nil {
		return nil, fmt.Errorf("export: failed to save workbook: %w", err)
	}

	return &ExportSummary{
		Path:     path,
		Keys:     len(keys),
		Bindings: len(bindings),
		Events:   len(events),
	}, nil
}

func writeSheet(f *excelize.File, sheet string, headerStyle int, header []interface{}, n int, row func(int) []interface{}) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	end, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", end, headerStyle); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	for i := 0; i < n; i++ {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		values := row(i)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	return nil
}

func exportTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
