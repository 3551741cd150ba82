package docstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// importBatchSize is how many created rows an import persists at once when
// no transaction is active.
const importBatchSize = 100

// RowError is a CSV row that could not be imported.
type RowError struct {
	Line int
	Key  string
	Err  error
}

func (r RowError) Error() string {
	if r.Key == "" {
		return fmt.Sprintf("line %d: %v", r.Line, r.Err)
	}

	return fmt.Sprintf("line %d (key %s): %v", r.Line, r.Key, r.Err)
}

// ImportResult summarizes an import.
type ImportResult struct {
	Created int
	Failed  []RowError
}

// ImportCSV creates one record per row of r. The header must name a "key"
// and a "value" column; other columns are ignored. Values go through
// [ParseValue].
//
// A row that fails (duplicate key, empty key, malformed line) is reported
// in Failed and the import continues. Outside a transaction the store is
// persisted every 100 created rows and at the end; if persisting fails, the
// rows of the unsaved batch are removed again and the error returned.
// Inside a transaction each row joins the undo log and nothing is persisted.
func (e *Engine) ImportCSV(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult

	err := e.do(ctx, "import", "", func(ctx context.Context) error {
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1

		header, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: missing header", ErrInvalidCSV)
			}

			return fmt.Errorf("%w: %w", ErrInvalidCSV, err)
		}

		keyCol, valueCol := -1, -1

		for i, name := range header {
			switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
			case "key":
				keyCol = i
			case "value":
				valueCol = i
			}
		}

		if keyCol < 0 || valueCol < 0 {
			return fmt.Errorf("%w: header needs key and value columns, have %v", ErrInvalidCSV, header)
		}

		var batch []string

		flush := func() error {
			if e.tx != nil || len(batch) == 0 {
				return nil
			}

			err := e.saveLocked(ctx)
			if err != nil {
				for _, k := range batch {
					e.unsetLocked(k)
				}

				res.Created -= len(batch)

				return err
			}

			batch = batch[:0]

			return nil
		}

		for {
			row, err := cr.Read()
			if errors.Is(err, io.EOF) {
				break
			}

			line, _ := cr.FieldPos(0)

			if err != nil {
				var pe *csv.ParseError
				if !errors.As(err, &pe) {
					return errors.Join(fmt.Errorf("read csv: %w", err), flush())
				}

				res.Failed = append(res.Failed, RowError{Line: pe.Line, Err: pe.Err})

				continue
			}

			if keyCol >= len(row) || valueCol >= len(row) {
				res.Failed = append(res.Failed, RowError{Line: line, Err: fmt.Errorf("%w: row has %d columns", ErrInvalidCSV, len(row))})

				continue
			}

			key := row[keyCol]

			err = e.createLocked(ctx, key, ParseValue(row[valueCol]), false)
			if err != nil {
				res.Failed = append(res.Failed, RowError{Line: line, Key: key, Err: err})

				continue
			}

			res.Created++

			if e.tx == nil {
				batch = append(batch, key)

				if len(batch) >= importBatchSize {
					err := flush()
					if err != nil {
						return err
					}
				}
			}
		}

		err = flush()
		if err != nil {
			return err
		}

		e.logger.LogAttrs(ctx, slog.LevelInfo, "csv import finished",
			slog.Int("created", res.Created),
			slog.Int("failed", len(res.Failed)),
			slog.Bool("in_transaction", e.tx != nil))

		return nil
	})

	return res, err
}

// ExportCSV writes every record to w as "key,value" rows in key order,
// preceded by a header. Strings are written raw when [ParseValue] reads them
// back as the same string; every other value is written in canonical form,
// so an export re-imports to equal values. Returns the number of rows.
func (e *Engine) ExportCSV(ctx context.Context, w io.Writer) (int, error) {
	var n int

	err := e.do(ctx, "export", "", func(context.Context) error {
		cw := csv.NewWriter(w)

		err := cw.Write([]string{"key", "value"})
		if err != nil {
			return fmt.Errorf("write csv: %w", err)
		}

		for _, rec := range e.sortedRecordsLocked() {
			err = cw.Write([]string{rec.Key, exportText(rec.Value)})
			if err != nil {
				return fmt.Errorf("write csv: %w", err)
			}

			n++
		}

		cw.Flush()

		err = cw.Error()
		if err != nil {
			return fmt.Errorf("write csv: %w", err)
		}

		return nil
	})

	return n, err
}

func exportText(v Value) string {
	if s, ok := v.AsString(); ok && ParseValue(s).Equal(v) {
		return s
	}

	return v.Canonical()
}
