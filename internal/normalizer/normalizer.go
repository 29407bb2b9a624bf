// Package normalizer turns raw input files into canonical tables: it
// sniffs the format by content, decodes text through an encoding
// fallback chain, locates the header row via a configurable alias table,
// and coerces every data row. A file is accepted whole or rejected
// whole; no partial table ever leaves this package.
package normalizer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"marketpipe/internal/domain"
	apperrors "marketpipe/internal/errors"
)

// requiredFields must be mappable through the alias table for a file to be
// accepted. Date is special-cased: when no date column exists the date is
// taken from the file name instead.
var requiredFields = []string{"symbol", "close"}

// maxXLSRows bounds how many rows are read from a legacy BIFF worksheet.
const maxXLSRows = 65535

// Normalizer turns one raw file into a canonical table. It is a pure
// function of the file bytes and its configuration; it performs no I/O.
type Normalizer struct {
	aliases        map[string][]string
	headerScanRows int
	logger         *slog.Logger
}

// New creates a Normalizer with the given alias table and header scan
// depth.
func New(aliases map[string][]string, headerScanRows int, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if headerScanRows <= 0 {
		headerScanRows = 5
	}
	return &Normalizer{
		aliases:        aliases,
		headerScanRows: headerScanRows,
		logger:         logger.With(slog.String("component", "normalizer")),
	}
}

// Normalize parses, decodes, and maps the file into canonical records.
// The whole file is rejected on the first malformed row: partial output is
// never returned alongside an error.
func (n *Normalizer) Normalize(file domain.RawFile, data []byte) (*domain.CanonicalTable, error) {
	candidates, err := n.extractRows(file, data)
	if err != nil {
		return nil, err
	}

	for _, rows := range candidates {
		headerIdx, columns, ok := n.findHeader(rows)
		if !ok {
			continue
		}
		return n.buildTable(file, rows, headerIdx, columns)
	}

	// No sheet produced a mappable header; report the first required
	// field so the failure names a concrete column.
	missing := n.firstUnmappable(candidates)
	return nil, apperrors.NewSchemaError(missing).WithContext("path", file.Path)
}

// extractRows turns the file bytes into one row-set per sheet. CSV and XLS
// yield a single candidate; XLSX yields one per sheet.
func (n *Normalizer) extractRows(file domain.RawFile, data []byte) ([][][]string, error) {
	switch file.Kind {
	case domain.KindCSV:
		rows, err := n.parseCSV(data)
		if err != nil {
			return nil, err
		}
		return [][][]string{rows}, nil

	case domain.KindXLSX:
		f, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, apperrors.NewValidationError("open xlsx workbook", err).WithContext("path", file.Path)
		}
		defer f.Close()

		var candidates [][][]string
		for _, sheet := range f.GetSheetList() {
			rows, err := f.GetRows(sheet)
			if err != nil || len(rows) == 0 {
				continue
			}
			candidates = append(candidates, rows)
		}
		if len(candidates) == 0 {
			return nil, apperrors.NewValidationError("xlsx workbook contains no data", nil).WithContext("path", file.Path)
		}
		return candidates, nil

	case domain.KindXLS:
		wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
		if err != nil {
			return nil, apperrors.NewValidationError("open xls workbook", err).WithContext("path", file.Path)
		}
		rows := wb.ReadAllCells(maxXLSRows)
		if len(rows) == 0 {
			return nil, apperrors.NewValidationError("xls workbook contains no data", nil).WithContext("path", file.Path)
		}
		return [][][]string{rows}, nil

	default:
		return nil, apperrors.NewValidationError("unrecognized file format", nil).WithContext("path", file.Path)
	}
}

// parseCSV decodes the text through the encoding fallback chain, sniffs
// the delimiter from the first non-empty line, and reads all rows.
func (n *Normalizer) parseCSV(data []byte) ([][]string, error) {
	text, encodingName := DecodeText(data)
	n.logger.Debug("decoded csv input", slog.String("encoding", encodingName))

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = sniffDelimiter(text)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, apperrors.NewValidationError("parse csv", err)
	}
	return rows, nil
}

// sniffDelimiter picks the separator that occurs most often in the first
// non-empty line, from comma, semicolon, and tab.
func sniffDelimiter(text string) rune {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		best, bestCount := ',', strings.Count(line, ",")
		if c := strings.Count(line, ";"); c > bestCount {
			best, bestCount = ';', c
		}
		if c := strings.Count(line, "\t"); c > bestCount {
			best = '\t'
		}
		return best
	}
	return ','
}

// findHeader scans the first headerScanRows rows for one whose cells map
// every required field through the alias table. Source files often carry
// title or export-info rows above the real header.
func (n *Normalizer) findHeader(rows [][]string) (int, map[string]int, bool) {
	limit := n.headerScanRows
	if limit > len(rows) {
		limit = len(rows)
	}
	for i := 0; i < limit; i++ {
		columns := n.mapColumns(rows[i])
		if containsAll(columns, requiredFields) {
			return i, columns, true
		}
	}
	return 0, nil, false
}

// mapColumns resolves each header cell to a canonical field name. The
// first cell matching a field wins; later duplicates are ignored.
func (n *Normalizer) mapColumns(header []string) map[string]int {
	columns := make(map[string]int)
	for idx, cell := range header {
		normalized := normalizeHeader(cell)
		if normalized == "" {
			continue
		}
		for field, spellings := range n.aliases {
			if _, taken := columns[field]; taken {
				continue
			}
			for _, spelling := range spellings {
				if normalized == normalizeHeader(spelling) {
					columns[field] = idx
					break
				}
			}
		}
	}
	return columns
}

func containsAll(columns map[string]int, fields []string) bool {
	for _, f := range fields {
		if _, ok := columns[f]; !ok {
			return false
		}
	}
	return true
}

// firstUnmappable names the required field that failed to map on the best
// candidate, for the schema error message.
func (n *Normalizer) firstUnmappable(candidates [][][]string) string {
	for _, rows := range candidates {
		limit := n.headerScanRows
		if limit > len(rows) {
			limit = len(rows)
		}
		for i := 0; i < limit; i++ {
			columns := n.mapColumns(rows[i])
			for _, f := range requiredFields {
				if _, ok := columns[f]; !ok {
					return f
				}
			}
		}
	}
	return requiredFields[0]
}

// buildTable coerces every data row below the header into a
// CanonicalRecord. Completely empty rows are skipped; any other malformed
// row rejects the whole file.
func (n *Normalizer) buildTable(file domain.RawFile, rows [][]string, headerIdx int, columns map[string]int) (*domain.CanonicalTable, error) {
	dateIdx, hasDateColumn := columns["date"]
	var fileDate time.Time
	if !hasDateColumn {
		d, ok := dateFromPath(file.Path)
		if !ok {
			return nil, apperrors.NewSchemaError("date").WithContext("path", file.Path)
		}
		fileDate = d
	}

	table := domain.NewCanonicalTable()
	for i := headerIdx + 1; i < len(rows); i++ {
		row := rows[i]
		if isEmptyRow(row) {
			continue
		}

		symbol, err := parseSymbol(cellAt(row, columns["symbol"]))
		if err != nil {
			return nil, apperrors.NewRowError(i, "symbol", err.Error()).WithContext("path", file.Path)
		}

		date := fileDate
		if hasDateColumn {
			date, err = parseDate(cellAt(row, dateIdx))
			if err != nil {
				return nil, apperrors.NewRowError(i, "date", err.Error()).WithContext("path", file.Path)
			}
		}

		closePrice, err := parseFloat(cellAt(row, columns["close"]))
		if err != nil {
			return nil, apperrors.NewRowError(i, "close", err.Error()).WithContext("path", file.Path)
		}

		record := domain.CanonicalRecord{
			Symbol: symbol,
			Date:   date,
			Close:  closePrice,
		}
		if idx, ok := columns["name"]; ok {
			record.Name = strings.TrimSpace(cellAt(row, idx))
		}
		if idx, ok := columns["open"]; ok {
			record.Open = parseOptionalFloat(cellAt(row, idx))
		}
		if idx, ok := columns["high"]; ok {
			record.High = parseOptionalFloat(cellAt(row, idx))
		}
		if idx, ok := columns["low"]; ok {
			record.Low = parseOptionalFloat(cellAt(row, idx))
		}
		if idx, ok := columns["volume"]; ok {
			record.Volume = parseOptionalInt(cellAt(row, idx))
		}
		if idx, ok := columns["change_percent"]; ok {
			record.ChangePercent = parseChangePercent(cellAt(row, idx))
		}
		table.Upsert(record)
	}

	n.logger.Debug("normalized file",
		slog.String("path", file.Path),
		slog.String("kind", string(file.Kind)),
		slog.Int("rows", table.Len()))
	return table, nil
}

func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// normalizeHeader lowercases a header cell and strips all whitespace so
// "Closing  Price" and "closing price" compare equal.
func normalizeHeader(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

var digitRun = regexp.MustCompile(`\d+`)

// parseSymbol normalizes a ticker cell. Numeric exchange codes are
// zero-padded to six digits; alphabetic tickers are upper-cased.
func parseSymbol(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("missing required field")
	}
	if digits := digitRun.FindString(s); digits != "" && len(digits) >= len(s)-3 {
		if len(digits) < 6 {
			digits = strings.Repeat("0", 6-len(digits)) + digits
		}
		return digits, nil
	}
	return strings.ToUpper(s), nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"2006 01 02",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing required field")
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Truncate(24 * time.Hour), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

var pathDate = regexp.MustCompile(`(20\d{6})`)

// dateFromPath extracts a YYYYMMDD stamp from the file name, the
// convention used by exports that carry no date column.
func dateFromPath(path string) (time.Time, bool) {
	match := pathDate.FindString(path)
	if match == "" {
		return time.Time{}, false
	}
	d, err := time.Parse("20060102", match)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

func parseFloat(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, fmt.Errorf("missing required field")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable number %q", s)
	}
	return v, nil
}

func parseOptionalFloat(s string) float64 {
	v, err := parseFloat(s)
	if err != nil {
		return 0
	}
	return v
}

func parseOptionalInt(s string) int64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return int64(f)
		}
		return 0
	}
	return v
}

// parseChangePercent strips a trailing percent sign and maps the
// placeholder values some exports use ("--", "nan") to zero.
func parseChangePercent(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	switch strings.ToLower(s) {
	case "", "--", "nan", "none":
		return 0
	}
	return parseOptionalFloat(s)
}
