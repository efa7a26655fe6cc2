package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// NoData is the placeholder the source sheets use for a missing value.
const NoData = "NO DATA"

// Sheet is one public spreadsheet tab loaded into one table.
type Sheet struct {
	Table   string
	SheetID string
	GID     string
}

// ParseSheets reads a comma separated list of table=sheetID[:gid] pairs.
func ParseSheets(list string) ([]Sheet, error) {
	var out []Sheet
	seen := make(map[string]bool)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		table, ref, ok := strings.Cut(part, "=")
		table, ref = strings.TrimSpace(table), strings.TrimSpace(ref)
		if !ok || table == "" || ref == "" {
			return nil, fmt.Errorf("invalid sheet entry %q: want table=sheetID[:gid]", part)
		}
		if seen[table] {
			return nil, fmt.Errorf("table %q listed twice", table)
		}
		seen[table] = true

		id, gid, _ := strings.Cut(ref, ":")
		if gid == "" {
			gid = "0"
		}
		if _, err := strconv.ParseInt(gid, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid gid %q for table %q", gid, table)
		}
		out = append(out, Sheet{Table: table, SheetID: id, GID: gid})
	}
	if len(out) == 0 {
		return nil, errors.New("no sheets configured")
	}
	return out, nil
}

// ExportURL is the public CSV export address of the sheet tab.
func (s Sheet) ExportURL(base string) string {
	return fmt.Sprintf("%s/%s/export?format=csv&gid=%s",
		strings.TrimRight(base, "/"), url.PathEscape(s.SheetID), url.QueryEscape(s.GID))
}

// Fetcher downloads raw CSV bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher downloads with the fiber client.
type HTTPFetcher struct {
	Timeout time.Duration
}

func (f HTTPFetcher) Fetch(ctx context.Context, u string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	agent := fiber.Get(u).Timeout(timeout)
	agent.MaxRedirectsCount(5)
	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("download %s: %w", u, errors.Join(errs...))
	}
	if status != fiber.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", u, status)
	}
	return body, nil
}

// Table is a parsed CSV: unique column names and rows with NULLs as nil.
type Table struct {
	Columns []string
	Rows    [][]any
}

// ParseCSV parses a sheet export. Blank header cells become column_N,
// repeated names get a .N suffix and NO DATA cells become NULL.
func ParseCSV(data []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv has no header row")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	t := &Table{Columns: columnNames(header)}
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if blank(rec) {
			continue
		}

		row := make([]any, len(t.Columns))
		for i := range row {
			if i >= len(rec) {
				continue
			}
			v := strings.TrimSpace(rec[i])
			if v == "" || v == NoData {
				continue
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func columnNames(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n)
		} else {
			seen[name] = 1
		}
		out[i] = name
	}
	return out
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
