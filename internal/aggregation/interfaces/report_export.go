package interfaces

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	aggregation "leneda-bridge/internal/aggregation/domain"
	metering "leneda-bridge/internal/metering/domain"
)

// SeriesReport is the input to the report builders: one series and its
// hour buckets for a window.
type SeriesReport struct {
	Series      metering.Series
	From        time.Time
	To          time.Time
	Buckets     []aggregation.Bucket
	GeneratedAt time.Time
}

func reportColumns(kind metering.SeriesKind) []string {
	if kind == metering.KindEnergyConsumption {
		return []string{"Hour", "Sum (kWh)", "Mean (kWh)", "Cumulative (kWh)", "Samples", "Closed"}
	}
	return []string{"Hour", "Min (kW)", "Max (kW)", "Mean (kW)", "Samples", "Closed"}
}

func reportRow(kind metering.SeriesKind, bucket aggregation.Bucket) []string {
	hour := bucket.HourStart.Format("2006-01-02 15:04")
	closed := "no"
	if bucket.Closed {
		closed = "yes"
	}
	if kind == metering.KindEnergyConsumption {
		return []string{
			hour,
			strconv.FormatFloat(bucket.Sum, 'f', 3, 64),
			strconv.FormatFloat(bucket.Mean, 'f', 3, 64),
			strconv.FormatFloat(bucket.CumulativeSum, 'f', 3, 64),
			strconv.Itoa(bucket.SampleCount),
			closed,
		}
	}
	return []string{
		hour,
		strconv.FormatFloat(bucket.Min, 'f', 3, 64),
		strconv.FormatFloat(bucket.Max, 'f', 3, 64),
		strconv.FormatFloat(bucket.Mean, 'f', 3, 64),
		strconv.Itoa(bucket.SampleCount),
		closed,
	}
}

// BuildSeriesReportPDF renders a minimal PDF for a series window.
func BuildSeriesReportPDF(report SeriesReport) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Metering Series Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Series: %s", report.Series.ID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Metering point: %s", report.Series.MeteringPoint))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("OBIS: %s", report.Series.OBISCode))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Kind: %s", report.Series.Kind))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Window: %s .. %s", report.From.Format("2006-01-02 15:04"), report.To.Format("2006-01-02 15:04")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	columns := reportColumns(report.Series.Kind)
	widths := []float64{36, 32, 32, 32, 22, 18}
	pdf.SetFont("Arial", "B", 10)
	for i, column := range columns {
		pdf.CellFormat(widths[i], 6, column, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, bucket := range report.Buckets {
		row := reportRow(report.Series.Kind, bucket)
		for i, value := range row {
			align := "R"
			if i == 0 || i == len(row)-1 {
				align = "C"
			}
			pdf.CellFormat(widths[i], 6, value, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSeriesReportXLSX renders a minimal XLSX for a series window.
func BuildSeriesReportXLSX(report SeriesReport) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	hoursSheet := "hours"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(hoursSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Metering Series Report")
	_ = f.SetCellValue(summarySheet, "A3", "Series")
	_ = f.SetCellValue(summarySheet, "B3", string(report.Series.ID))
	_ = f.SetCellValue(summarySheet, "A4", "Metering point")
	_ = f.SetCellValue(summarySheet, "B4", report.Series.MeteringPoint)
	_ = f.SetCellValue(summarySheet, "A5", "OBIS")
	_ = f.SetCellValue(summarySheet, "B5", string(report.Series.OBISCode))
	_ = f.SetCellValue(summarySheet, "A6", "Kind")
	_ = f.SetCellValue(summarySheet, "B6", string(report.Series.Kind))
	_ = f.SetCellValue(summarySheet, "A7", "From")
	_ = f.SetCellValue(summarySheet, "B7", report.From.Format("2006-01-02 15:04"))
	_ = f.SetCellValue(summarySheet, "A8", "To")
	_ = f.SetCellValue(summarySheet, "B8", report.To.Format("2006-01-02 15:04"))
	_ = f.SetCellValue(summarySheet, "A9", "Hours")
	_ = f.SetCellValue(summarySheet, "B9", len(report.Buckets))

	columns := reportColumns(report.Series.Kind)
	for i, column := range columns {
		cell := fmt.Sprintf("%c1", 'A'+i)
		_ = f.SetCellValue(hoursSheet, cell, column)
	}
	for i, bucket := range report.Buckets {
		row := i + 2
		values := reportRow(report.Series.Kind, bucket)
		_ = f.SetCellValue(hoursSheet, fmt.Sprintf("A%d", row), values[0])
		if report.Series.Kind == metering.KindEnergyConsumption {
			_ = f.SetCellValue(hoursSheet, fmt.Sprintf("B%d", row), bucket.Sum)
			_ = f.SetCellValue(hoursSheet, fmt.Sprintf("C%d", row), bucket.Mean)
			_ = f.SetCellValue(hoursSheet, fmt.Sprintf("D%d", row), bucket.CumulativeSum)
		} else {
			_ = f.SetCellValue(hoursSheet, fmt.Sprintf("B%d", row), bucket.Min)
			_ = f.SetCellValue(hoursSheet, fmt.Sprintf("C%d", row), bucket.Max)
			_ = f.SetCellValue(hoursSheet, fmt.Sprintf("D%d", row), bucket.Mean)
		}
		_ = f.SetCellValue(hoursSheet, fmt.Sprintf("E%d", row), bucket.SampleCount)
		_ = f.SetCellValue(hoursSheet, fmt.Sprintf("F%d", row), bucket.Closed)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSeriesReportCSV renders the hour rows as CSV.
func BuildSeriesReportCSV(report SeriesReport) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(reportColumns(report.Series.Kind)); err != nil {
		return nil, err
	}
	for _, bucket := range report.Buckets {
		if err := writer.Write(reportRow(report.Series.Kind, bucket)); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
