package exporter

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
)

// xlsxEncoder streams a single-worksheet workbook. The container is a zip
// archive written straight through to the sink; the worksheet entry stays
// open across batches so rows are never buffered. Cells use inline strings,
// avoiding the shared-strings table a streaming writer cannot build.
type xlsxEncoder struct {
	zw      *zip.Writer
	sheet   io.Writer
	header  []string
	widths  []int
	rowNum  int
	started bool
}

// Column width bounds, in Excel character units.
const (
	xlsxMinWidth = 10
	xlsxMaxWidth = 60
)

// NewXLSXEncoder creates an XLSX encoder over w. The static workbook parts
// are written immediately; the worksheet opens with the first batch.
func NewXLSXEncoder(w io.Writer) (Encoder, error) {
	e := &xlsxEncoder{zw: zip.NewWriter(w)}
	if err := e.writeStaticParts(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *xlsxEncoder) writeStaticParts() error {
	parts := []struct {
		name string
		body string
	}{
		{"[Content_Types].xml", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/>
<Override PartName="/xl/worksheets/sheet1.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/>
</Types>`},
		{"_rels/.rels", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="xl/workbook.xml"/>
</Relationships>`},
		{"xl/workbook.xml", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
<sheets><sheet name="Export" sheetId="1" r:id="rId1"/></sheets>
</workbook>`},
		{"xl/_rels/workbook.xml.rels", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet1.xml"/>
</Relationships>`},
	}

	for _, part := range parts {
		w, err := e.zw.Create(part.name)
		if err != nil {
			return fmt.Errorf("exporter: create %s: %w", part.name, err)
		}
		if _, err := io.WriteString(w, part.body); err != nil {
			return fmt.Errorf("exporter: write %s: %w", part.name, err)
		}
	}
	return nil
}

// openSheet starts the worksheet entry: column widths from the first batch,
// then the header row.
func (e *xlsxEncoder) openSheet(batch []Record) error {
	e.header = headerFromBatch(batch)
	e.widths = columnWidths(e.header, batch)

	w, err := e.zw.Create("xl/worksheets/sheet1.xml")
	if err != nil {
		return fmt.Errorf("exporter: create worksheet: %w", err)
	}
	e.sheet = w

	if _, err := io.WriteString(w, `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">
`); err != nil {
		return fmt.Errorf("exporter: write worksheet: %w", err)
	}
	if len(e.widths) > 0 {
		if _, err := io.WriteString(w, "<cols>"); err != nil {
			return fmt.Errorf("exporter: write worksheet: %w", err)
		}
		for i, width := range e.widths {
			col := strconv.Itoa(i + 1)
			if _, err := fmt.Fprintf(w, `<col min="%s" max="%s" width="%d" customWidth="1"/>`, col, col, width); err != nil {
				return fmt.Errorf("exporter: write worksheet: %w", err)
			}
		}
		if _, err := io.WriteString(w, "</cols>\n"); err != nil {
			return fmt.Errorf("exporter: write worksheet: %w", err)
		}
	}
	if _, err := io.WriteString(w, "<sheetData>\n"); err != nil {
		return fmt.Errorf("exporter: write worksheet: %w", err)
	}

	if len(e.header) == 0 {
		return nil
	}
	return e.writeRow(e.header)
}

func (e *xlsxEncoder) WriteBatch(batch []Record) error {
	if len(batch) == 0 {
		return nil
	}
	if !e.started {
		e.started = true
		if err := e.openSheet(batch); err != nil {
			return err
		}
	}

	cells := make([]string, len(e.header))
	for _, rec := range batch {
		flat := flatten(rec)
		for i, col := range e.header {
			cells[i] = SanitizeCell(cellString(flat[col]))
		}
		if err := e.writeRow(cells); err != nil {
			return err
		}
	}
	return nil
}

func (e *xlsxEncoder) writeRow(cells []string) error {
	e.rowNum++
	if _, err := fmt.Fprintf(e.sheet, `<row r="%d">`, e.rowNum); err != nil {
		return fmt.Errorf("exporter: write row: %w", err)
	}
	for i, cell := range cells {
		ref := columnRef(i) + strconv.Itoa(e.rowNum)
		if _, err := fmt.Fprintf(e.sheet, `<c r="%s" t="inlineStr"><is><t xml:space="preserve">`, ref); err != nil {
			return fmt.Errorf("exporter: write cell: %w", err)
		}
		if err := xml.EscapeText(e.sheet, []byte(cell)); err != nil {
			return fmt.Errorf("exporter: escape cell: %w", err)
		}
		if _, err := io.WriteString(e.sheet, "</t></is></c>"); err != nil {
			return fmt.Errorf("exporter: write cell: %w", err)
		}
	}
	if _, err := io.WriteString(e.sheet, "</row>\n"); err != nil {
		return fmt.Errorf("exporter: write row: %w", err)
	}
	return nil
}

func (e *xlsxEncoder) Flush() error {
	if !e.started {
		// Empty export still needs a valid worksheet.
		if err := e.openSheet(nil); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(e.sheet, "</sheetData>\n</worksheet>"); err != nil {
		return fmt.Errorf("exporter: close worksheet: %w", err)
	}
	if err := e.zw.Close(); err != nil {
		return fmt.Errorf("exporter: close workbook: %w", err)
	}
	return nil
}

// columnRef converts a zero-based column index to its A1-style letters.
func columnRef(i int) string {
	ref := ""
	for i >= 0 {
		ref = string(rune('A'+i%26)) + ref
		i = i/26 - 1
	}
	return ref
}

// columnWidths sizes each column to the longest value seen in the first
// batch (header included), clamped to sane bounds.
func columnWidths(header []string, batch []Record) []int {
	widths := make([]int, len(header))
	for i, col := range header {
		widths[i] = len(col)
	}
	for _, rec := range batch {
		flat := flatten(rec)
		for i, col := range header {
			if n := len(cellString(flat[col])); n > widths[i] {
				widths[i] = n
			}
		}
	}
	for i := range widths {
		if widths[i] < xlsxMinWidth {
			widths[i] = xlsxMinWidth
		}
		if widths[i] > xlsxMaxWidth {
			widths[i] = xlsxMaxWidth
		}
	}
	return widths
}
