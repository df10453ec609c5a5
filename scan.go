package tally

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// timeFormat is fixed width so that lexical order is chronological order.
const timeFormat = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// normalizeTime rewrites RFC 3339 timestamps into timeFormat. Values that do
// not parse are kept as they are.
func normalizeTime(s string) string {
	if s == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return formatTime(t)
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Scan destinations that tolerate NULL and the loose typing of SQLite columns.

type textDest struct{ p *string }

func (d textDest) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d.p = ""
	case string:
		*d.p = v
	case []byte:
		*d.p = string(v)
	default:
		*d.p = fmt.Sprint(v)
	}
	return nil
}

type intDest struct{ p *int }

func (d intDest) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d.p = 0
	case int64:
		*d.p = int(v)
	case float64:
		*d.p = int(v)
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("scan int: unsupported %T", src)
	}
	return nil
}

func (d intDest) parse(s string) error {
	if s == "" {
		*d.p = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("scan int: %w", err)
	}
	*d.p = int(n)
	return nil
}

type flagDest struct{ p *bool }

func (d flagDest) Scan(src any) error {
	var n int
	if err := (intDest{&n}).Scan(src); err != nil {
		return err
	}
	*d.p = n != 0
	return nil
}

type decimalDest struct{ p *decimal.Decimal }

func (d decimalDest) Scan(src any) error {
	if src == nil {
		*d.p = decimal.Zero
		return nil
	}
	return d.p.Scan(src)
}

func text(p *string) sql.Scanner            { return textDest{p} }
func num(p *int) sql.Scanner                { return intDest{p} }
func flag(p *bool) sql.Scanner              { return flagDest{p} }
func money(p *decimal.Decimal) sql.Scanner { return decimalDest{p} }

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func moneyValue(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}
