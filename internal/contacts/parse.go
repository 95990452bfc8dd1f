// Package contacts turns uploaded spreadsheets into campaign contacts. Every
// column becomes a contact field usable as an @token in message templates.
package contacts

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/lalithlochan/disparo/internal/db"
)

var (
	// ErrNoRows is returned for a file with a header and nothing else, or nothing at all.
	ErrNoRows = errors.New("file has no data rows")
	// ErrNoPhoneColumn is returned when no header looks like a phone column.
	ErrNoPhoneColumn = errors.New("no phone column found")
)

// phoneHeaders are matched case-insensitively, in order, when no column is named.
var phoneHeaders = []string{"phone", "telefone", "celular", "whatsapp", "numero", "número", "telephone", "mobile"}

// Options control parsing.
type Options struct {
	// PhoneColumn names the phone column explicitly.
	PhoneColumn string
	// MaxRows caps the number of data rows read; zero means no cap.
	MaxRows int
}

// Result is a parsed file.
type Result struct {
	Contacts    []db.Contact `json:"contacts"`
	PhoneColumn string       `json:"phone_column"`
	Columns     []string     `json:"columns"`
	Skipped     int          `json:"skipped"`
}

// ParseXLSX reads the first sheet of an Excel workbook.
func ParseXLSX(r io.Reader, opts Options) (*Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoRows
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return fromRows(rows, opts)
}

// ParseCSV reads a comma or semicolon separated file with a header row.
func ParseCSV(r io.Reader, opts Options) (*Result, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	reader := csv.NewReader(br)
	reader.Comma = detectDelimiter(first)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return fromRows(rows, opts)
}

// detectDelimiter picks ';' when the header line has more semicolons than commas,
// which is what spreadsheet exports use in comma-decimal locales.
func detectDelimiter(head []byte) rune {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

func fromRows(rows [][]string, opts Options) (*Result, error) {
	if len(rows) < 2 {
		return nil, ErrNoRows
	}

	columns := headerNames(rows[0])
	phoneIdx, err := phoneColumn(columns, opts.PhoneColumn)
	if err != nil {
		return nil, err
	}

	data := rows[1:]
	if opts.MaxRows > 0 && len(data) > opts.MaxRows {
		data = data[:opts.MaxRows]
	}

	res := &Result{
		Contacts:    make([]db.Contact, 0, len(data)),
		PhoneColumn: columns[phoneIdx],
		Columns:     columns,
	}
	for _, row := range data {
		phone := cell(row, phoneIdx)
		if phone == "" {
			res.Skipped++
			continue
		}

		fields := make(db.ContactSnapshot, len(columns))
		for i, name := range columns {
			fields[name] = cell(row, i)
		}
		res.Contacts = append(res.Contacts, db.Contact{Phone: phone, Fields: fields})
	}

	if len(res.Contacts) == 0 {
		return nil, ErrNoRows
	}
	return res, nil
}

// headerNames trims headers and names blank or repeated ones after their position.
func headerNames(header []string) []string {
	names := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" || seen[strings.ToLower(name)] {
			name = "col_" + strconv.Itoa(i+1)
		}
		seen[strings.ToLower(name)] = true
		names[i] = name
	}
	return names
}

func phoneColumn(columns []string, explicit string) (int, error) {
	if explicit != "" {
		for i, c := range columns {
			if strings.EqualFold(c, strings.TrimSpace(explicit)) {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: column %q not in header", ErrNoPhoneColumn, explicit)
	}

	for _, want := range phoneHeaders {
		for i, c := range columns {
			if strings.EqualFold(c, want) {
				return i, nil
			}
		}
	}
	return 0, ErrNoPhoneColumn
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
