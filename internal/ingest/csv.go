// Package ingest reads transaction CSV files.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/applsais/financial-coach/internal/domain"
)

var (
	// ErrMissingColumns indicates the header lacks a required column.
	ErrMissingColumns = errors.New("missing required columns")

	// ErrEmptyFile indicates the input has no header row.
	ErrEmptyFile = errors.New("CSV file is empty")
)

// RequiredColumns must be present in the header, in any order.
var RequiredColumns = []string{"date", "merchant", "amount"}

// DateLayouts are tried in order when parsing the date column.
var DateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	domain.DateLayout,
	"01/02/2006 15:04",
	"01/02/2006",
}

// Result is the outcome of reading one file.
type Result struct {
	Transactions []domain.Transaction
	Skipped      int
	TotalAmount  decimal.Decimal
}

// Reader parses transaction CSVs. Rows that fail to parse are skipped and counted.
type Reader struct {
	Location *time.Location
}

// NewReader creates a reader that interprets zone-less dates as UTC.
func NewReader() *Reader {
	return &Reader{Location: time.UTC}
}

// ReadFile reads the CSV at path.
func (r *Reader) ReadFile(ctx context.Context, path string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction file %s: %w", path, err)
	}
	defer file.Close()
	return r.Read(ctx, file)
}

// Read parses CSV data with a header row. Accepted rows get sequential IDs from 1.
func (r *Reader) Read(ctx context.Context, in io.Reader) (*Result, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	res := &Result{Transactions: make([]domain.Transaction, 0), TotalAmount: decimal.Zero}
	for line := 2; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Skipped++
				continue
			}
			return nil, fmt.Errorf("error reading line %d: %w", line, err)
		}

		tx, err := r.parseRow(record, cols)
		if err != nil {
			res.Skipped++
			continue
		}
		tx.ID = int64(len(res.Transactions) + 1)
		res.Transactions = append(res.Transactions, tx)
		res.TotalAmount = res.TotalAmount.Add(tx.Amount)
	}

	res.TotalAmount = res.TotalAmount.Round(2)
	return res, nil
}

func (r *Reader) parseRow(record []string, cols map[string]int) (domain.Transaction, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	date, err := r.ParseDate(field("date"))
	if err != nil {
		return domain.Transaction{}, err
	}

	merchant := field("merchant")
	if merchant == "" {
		return domain.Transaction{}, fmt.Errorf("merchant is empty")
	}

	amount, err := ParseAmount(field("amount"))
	if err != nil {
		return domain.Transaction{}, err
	}

	return domain.Transaction{
		Date:        date,
		Merchant:    merchant,
		Amount:      amount,
		Category:    field("category"),
		Description: field("description"),
	}, nil
}

// ParseDate parses s with the first matching layout of DateLayouts.
func (r *Reader) ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range DateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse date %q", s)
}

// ParseAmount parses a signed amount, tolerating a currency sign and thousands separators.
// A parenthesised amount is negative.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("could not parse amount %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}
