package service

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/docflow/custody/model"
	"github.com/go-pdf/fpdf"
)

// RenderPlaceholder builds a one-page PDF summarizing a document's metadata.
// It stands in for the file when a document has no stored bytes.
func RenderPlaceholder(doc *model.Document) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("custody", true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 9, tr(doc.Title), "", "L", false)
	pdf.Ln(4)

	rows := [][2]string{
		{"Document ID", doc.ID},
		{"Classification", doc.Classification},
		{"Origin", doc.Origin},
		{"Status", string(doc.Status)},
		{"Custody chain", strings.Join(doc.Ledger.Chain, " > ")},
		{"Created", doc.CreatedAt.UTC().Format("2006-01-02 15:04 MST")},
	}
	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(40, 7, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 7, tr(row[1]), "", "L", false)
	}

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, "No file was attached to this document. This page was generated for signing.", "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render placeholder: %w", err)
	}
	return buf.Bytes(), nil
}
