package interfaces

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	evidence "tracker-cloud/internal/evidence/domain"
)

// BuildPackPDF renders a minimal PDF for an evidence pack.
func BuildPackPDF(pack *evidence.Pack) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Device Evidence Pack")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s (%s)", pack.Device.Hostname, pack.DeviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Owner: %s", pack.Device.OwnerID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Status: %s", pack.Device.Status))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Range: %s to %s", pack.From.Format(time.RFC3339), pack.To.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", pack.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Chain head: %s", pack.ChainHead))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Enrolled: %s", pack.Device.EnrolledAt.Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.Cell(0, 6, fmt.Sprintf("Networks seen: %d BSSID(s), %d IP(s), %d ASN(s)",
		len(pack.Wifi.DistinctBSSIDs), len(pack.Wifi.DistinctIPs), len(pack.Wifi.DistinctASNs)))
	pdf.Ln(5)
	if len(pack.Wifi.DistinctBSSIDs) > 0 {
		pdf.Cell(0, 6, fmt.Sprintf("BSSIDs: %s", strings.Join(pack.Wifi.DistinctBSSIDs, ", ")))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	// Items table
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(45, 6, "Timestamp", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Kind", "1", 0, "C", false, 0, "")
	pdf.CellFormat(80, 6, "Summary", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Hash", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, item := range pack.Items {
		pdf.CellFormat(45, 6, item.Timestamp.Format(time.RFC3339), "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, item.Kind, "1", 0, "C", false, 0, "")
		pdf.CellFormat(80, 6, item.Summary, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, item.Hash[:16], "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	err := pdf.Output(&buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildPackXLSX renders a minimal XLSX for an evidence pack.
func BuildPackXLSX(pack *evidence.Pack) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	itemsSheet := "items"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(itemsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Device Evidence Pack")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", pack.DeviceID)
	_ = f.SetCellValue(summarySheet, "A4", "Hostname")
	_ = f.SetCellValue(summarySheet, "B4", pack.Device.Hostname)
	_ = f.SetCellValue(summarySheet, "A5", "Owner")
	_ = f.SetCellValue(summarySheet, "B5", pack.Device.OwnerID)
	_ = f.SetCellValue(summarySheet, "A6", "Status")
	_ = f.SetCellValue(summarySheet, "B6", pack.Device.Status)
	_ = f.SetCellValue(summarySheet, "A7", "From")
	_ = f.SetCellValue(summarySheet, "B7", pack.From.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A8", "To")
	_ = f.SetCellValue(summarySheet, "B8", pack.To.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A9", "Generated")
	_ = f.SetCellValue(summarySheet, "B9", pack.GeneratedAt.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A10", "Chain head")
	_ = f.SetCellValue(summarySheet, "B10", pack.ChainHead)
	_ = f.SetCellValue(summarySheet, "A11", "Distinct BSSIDs")
	_ = f.SetCellValue(summarySheet, "B11", strings.Join(pack.Wifi.DistinctBSSIDs, ", "))
	_ = f.SetCellValue(summarySheet, "A12", "Distinct IPs")
	_ = f.SetCellValue(summarySheet, "B12", strings.Join(pack.Wifi.DistinctIPs, ", "))

	_ = f.SetCellValue(itemsSheet, "A1", "Timestamp")
	_ = f.SetCellValue(itemsSheet, "B1", "Kind")
	_ = f.SetCellValue(itemsSheet, "C1", "Sequence")
	_ = f.SetCellValue(itemsSheet, "D1", "Summary")
	_ = f.SetCellValue(itemsSheet, "E1", "Prev Hash")
	_ = f.SetCellValue(itemsSheet, "F1", "Hash")
	for i, item := range pack.Items {
		row := i + 2
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("A%d", row), item.Timestamp.Format(time.RFC3339))
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("B%d", row), item.Kind)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("C%d", row), item.Sequence)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("D%d", row), item.Summary)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("E%d", row), item.PrevHash)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("F%d", row), item.Hash)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
