package diag

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/xuri/excelize/v2"

	"ozealis-ng/internal/autopap"
)

// Report is the content of the downloadable therapy workbook.
type Report struct {
	Generated time.Time
	SessionID string
	AHI       float64
	Faults    []Snapshot
	DataLog   []Line
	Events    []autopap.Event
}

var (
	faultSheetHeader = []string{
		"Time", "Uptime ms", "Mode", "Fault", "VIN V", "Mask hPa", "Blower hPa", "Ambient hPa",
		"Diff hPa", "Setpoint cmH2O", "Flow hPa", "Motor amp", "Loop us",
		"Miss mask", "Miss blower", "I2C err mask", "I2C err blower",
	}
	dataSheetHeader  = []string{"Time", "Uptime ms", "Setpoint cmH2O", "Diff hPa", "Flow hPa", "VIN V", "Mode"}
	eventSheetHeader = []string{"Time", "Kind", "EPAP before cmH2O", "EPAP after cmH2O", "Peak ratio"}
)

const (
	summarySheet = "Summary"
	faultSheet   = "Faults"
	dataSheet    = "Data log"
	eventSheet   = "Events"
)

// WriteXLSX renders rep as a workbook with a summary sheet and one sheet per series.
func WriteXLSX(w io.Writer, rep Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("diag: create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("diag: delete default sheet: %w", err)
	}
	if idx, err := f.GetSheetIndex(summarySheet); err == nil {
		f.SetActiveSheet(idx)
	}

	head, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("diag: create header style: %w", err)
	}

	summary := [][]any{
		{"Generated", rep.Generated.UTC().Format(time.RFC3339)},
		{"Session", rep.SessionID},
		{"AHI (events/h)", round2(rep.AHI)},
		{"Faults", len(rep.Faults)},
		{"Data log lines", len(rep.DataLog)},
		{"Pressure events", len(rep.Events)},
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 18); err != nil {
		return fmt.Errorf("diag: set column width: %w", err)
	}

	faults := make([][]any, 0, len(rep.Faults))
	for _, s := range rep.Faults {
		faults = append(faults, []any{
			stamp(s.At), s.UptimeMs, s.ModeName, s.FaultName, round2(s.VinV), round2(s.MaskHPa),
			round2(s.BlowerHPa), round2(s.AmbientHPa), round2(s.DiffHPa), round2(s.SetpointCm),
			round2(s.FlowHPa), s.MotorAmp, s.LoopUs, s.Miss[0], s.Miss[1], s.BusErr[0], s.BusErr[1],
		})
	}
	if err := writeTable(f, faultSheet, head, faultSheetHeader, faults); err != nil {
		return err
	}

	data := make([][]any, 0, len(rep.DataLog))
	for _, l := range rep.DataLog {
		data = append(data, []any{
			stamp(l.At), l.UptimeMs, round2(l.SetpointCm), round2(l.DiffHPa), round2(l.FlowHPa), round2(l.VinV), l.Mode,
		})
	}
	if err := writeTable(f, dataSheet, head, dataSheetHeader, data); err != nil {
		return err
	}

	events := make([][]any, 0, len(rep.Events))
	for _, e := range rep.Events {
		events = append(events, []any{stamp(e.At), e.Kind.String(), round2(e.EPAPBefore), round2(e.EPAPAfter), round2(e.Ratio)})
	}
	if err := writeTable(f, eventSheet, head, eventSheetHeader, events); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("diag: write workbook: %w", err)
	}
	return nil
}

func writeTable(f *excelize.File, sheet string, style int, header []string, rows [][]any) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("diag: create sheet %s: %w", sheet, err)
	}
	hdr := make([]any, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	if err := setRow(f, sheet, 1, hdr); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return fmt.Errorf("diag: header range: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return fmt.Errorf("diag: set header style: %w", err)
	}
	for i, row := range rows {
		if err := setRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("diag: row %d: %w", row, err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("diag: write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// round2 keeps two decimals; NaN and Inf become empty cells.
func round2(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return math.Round(v*100) / 100
}
