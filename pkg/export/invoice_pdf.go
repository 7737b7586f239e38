package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

// InvoiceLine is a single billable row on an invoice.
type InvoiceLine struct {
	Description string
	Quantity    int
	UnitPrice   string
	Amount      string
}

// InvoiceDocument carries everything needed to render a tax invoice.
type InvoiceDocument struct {
	Number     string
	IssuedAt   string
	SellerName string
	SellerVAT  string
	BuyerName  string
	BuyerVAT   string
	Lines      []InvoiceLine
	Subtotal   string
	VATAmount  string
	Total      string
	Currency   string
	FooterNote string
}

// InvoicePDFExporter renders tax invoices as PDF documents.
type InvoicePDFExporter struct{}

// NewInvoicePDFExporter constructs an invoice exporter.
func NewInvoicePDFExporter() *InvoicePDFExporter {
	return &InvoicePDFExporter{}
}

// Render creates the invoice PDF.
func (e *InvoicePDFExporter) Render(doc InvoiceDocument) ([]byte, error) {
	if doc.Number == "" {
		return nil, fmt.Errorf("invoice requires a number")
	}
	if len(doc.Lines) == 0 {
		return nil, fmt.Errorf("invoice requires at least one line")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "TAX INVOICE", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Invoice No: %s", doc.Number), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Date: %s", doc.IssuedAt), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(90, 6, "Seller", "", 0, "L", false, 0, "")
	pdf.CellFormat(90, 6, "Buyer", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(90, 6, doc.SellerName, "", 0, "L", false, 0, "")
	pdf.CellFormat(90, 6, doc.BuyerName, "", 1, "L", false, 0, "")
	pdf.CellFormat(90, 6, fmt.Sprintf("VAT: %s", doc.SellerVAT), "", 0, "L", false, 0, "")
	if doc.BuyerVAT != "" {
		pdf.CellFormat(90, 6, fmt.Sprintf("VAT: %s", doc.BuyerVAT), "", 1, "L", false, 0, "")
	} else {
		pdf.Ln(6)
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(90, 8, "Description", "1", 0, "L", false, 0, "")
	pdf.CellFormat(20, 8, "Qty", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 8, "Unit Price", "1", 0, "R", false, 0, "")
	pdf.CellFormat(35, 8, "Amount", "1", 1, "R", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	for _, line := range doc.Lines {
		pdf.CellFormat(90, 7, line.Description, "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 7, fmt.Sprintf("%d", line.Quantity), "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 7, line.UnitPrice, "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 7, line.Amount, "1", 1, "R", false, 0, "")
	}

	pdf.Ln(2)
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(145, 7, "Subtotal", "", 0, "R", false, 0, "")
	pdf.CellFormat(35, 7, fmt.Sprintf("%s %s", doc.Subtotal, doc.Currency), "", 1, "R", false, 0, "")
	pdf.CellFormat(145, 7, "VAT (15%)", "", 0, "R", false, 0, "")
	pdf.CellFormat(35, 7, fmt.Sprintf("%s %s", doc.VATAmount, doc.Currency), "", 1, "R", false, 0, "")
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(145, 8, "Total", "", 0, "R", false, 0, "")
	pdf.CellFormat(35, 8, fmt.Sprintf("%s %s", doc.Total, doc.Currency), "", 1, "R", false, 0, "")

	if doc.FooterNote != "" {
		pdf.Ln(8)
		pdf.SetFont("Arial", "I", 9)
		pdf.MultiCell(0, 5, doc.FooterNote, "", "L", false)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render invoice pdf: %w", err)
	}
	return buf.Bytes(), nil
}
