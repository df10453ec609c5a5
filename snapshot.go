package tally

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// SnapshotVersion is the format version written by ExportJSON.
const SnapshotVersion = "1"

// SnapshotHeader is the leading metadata of a JSON snapshot.
type SnapshotHeader struct {
	Version       string `json:"version"`
	ExportedAt    string `json:"exported_at"`
	DeviceID      string `json:"device_id"`
	SchemaVersion int64  `json:"schema_version"`
}

// ImportResult summarizes a snapshot import.
type ImportResult struct {
	Total   int      `json:"total"`
	Written int      `json:"written"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// section is one table of a snapshot.
type section interface {
	Table() string
	writeRows(ctx context.Context, q querier, w io.Writer) error
	readRows(ctx context.Context, dec *json.Decoder, dryRun bool, result *ImportResult) error
}

// sections lists snapshot tables with parents ahead of their children.
func (s *Store) sections() []section {
	return []section{
		s.Customers.table, s.Items.table, s.SerialNumbers.table, s.StockHistory.table,
		s.Services.table, s.WorkOrders.table, s.Bills.table, s.BillLineItems.table,
		s.Payments.table, s.BankAccounts.table,
	}
}

// ExportJSON writes every row of every entity table, tombstones and pending
// state included, as a single JSON document. Rows are streamed one at a time.
func (s *Store) ExportJSON(ctx context.Context, w io.Writer) error {
	deviceID, err := s.Metadata.DeviceID(ctx)
	if err != nil {
		return err
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}

	header, err := json.Marshal(SnapshotHeader{
		Version:       SnapshotVersion,
		ExportedAt:    s.stamp(),
		DeviceID:      deviceID,
		SchemaVersion: stats.SchemaVersion,
	})
	if err != nil {
		return fmt.Errorf("snapshot: encode header: %w", err)
	}
	if _, err := fmt.Fprintf(w, "{\n  \"header\": %s", header); err != nil {
		return fmt.Errorf("snapshot: write header: %w", err)
	}

	err = s.read(func(q querier) error {
		for _, sec := range s.sections() {
			if _, err := fmt.Fprintf(w, ",\n  %q: [", sec.Table()); err != nil {
				return fmt.Errorf("snapshot: write %s: %w", sec.Table(), err)
			}
			if err := sec.writeRows(ctx, q, w); err != nil {
				return err
			}
			if _, err := io.WriteString(w, "]"); err != nil {
				return fmt.Errorf("snapshot: write %s: %w", sec.Table(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := io.WriteString(w, "\n}\n"); err != nil {
		return fmt.Errorf("snapshot: write footer: %w", err)
	}
	return nil
}

func (t *table[T, P]) writeRows(ctx context.Context, q querier, w io.Writer) error {
	rows, err := q.QueryContext(ctx, t.selectSQL()+" ORDER BY created_at ASC, id ASC")
	if err != nil {
		return fmt.Errorf("snapshot: query %s: %w", t.name, err)
	}
	defer rows.Close()

	first := true
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return fmt.Errorf("snapshot: scan %s: %w", t.name, err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("snapshot: encode %s %s: %w", t.name, rec.envelope().ID, err)
		}
		sep := ",\n    "
		if first {
			sep = "\n    "
			first = false
		}
		if _, err := io.WriteString(w, sep); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ImportJSON merges a snapshot written by ExportJSON into the store. Each
// row goes through the normal merge rule, so newer local rows win. With
// dryRun set the snapshot is only decoded and counted.
func (s *Store) ImportJSON(ctx context.Context, r io.Reader, dryRun bool) (*ImportResult, error) {
	bySection := make(map[string]section)
	for _, sec := range s.sections() {
		bySection[sec.Table()] = sec
	}

	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("snapshot: read key: %w", err)
		}
		key, _ := tok.(string)

		if key == "header" {
			var h SnapshotHeader
			if err := dec.Decode(&h); err != nil {
				return nil, fmt.Errorf("snapshot: decode header: %w", err)
			}
			if h.Version != SnapshotVersion {
				return nil, fmt.Errorf("snapshot: unsupported version %q", h.Version)
			}
			continue
		}

		sec, ok := bySection[key]
		if !ok {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("snapshot: skip %q: %w", key, err)
			}
			continue
		}
		if err := sec.readRows(ctx, dec, dryRun, result); err != nil {
			return result, err
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return result, err
	}
	return result, nil
}

func (t *table[T, P]) readRows(ctx context.Context, dec *json.Decoder, dryRun bool, result *ImportResult) error {
	if err := expectDelim(dec, '['); err != nil {
		return err
	}
	for dec.More() {
		rec := P(new(T))
		if err := dec.Decode(rec); err != nil {
			return fmt.Errorf("snapshot: decode %s: %w", t.name, err)
		}
		result.Total++
		if dryRun {
			continue
		}

		var applied bool
		err := t.s.withTx(ctx, func(q querier) error {
			var err error
			applied, err = t.upsertTx(ctx, q, rec)
			return err
		})
		if errors.Is(err, ErrStoreClosed) {
			return err
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", t.name, rec.envelope().ID, err))
			continue
		}
		if applied {
			result.Written++
		} else {
			result.Skipped++
		}
	}
	return expectDelim(dec, ']')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("snapshot: read %q: %w", want, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("snapshot: expected %q, got %v", want, tok)
	}
	return nil
}

// Backup writes a consistent copy of the database to dest. An existing file
// at dest is replaced.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("backup: create directory: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", dest, time.Now().UnixNano())

	err := s.read(func(q querier) error {
		if _, err := q.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
			return fmt.Errorf("backup: vacuum into %s: %w", tmp, err)
		}
		return nil
	})
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("backup: rename: %w", err)
	}
	return nil
}
