// Package playback serves the CSV-backed paper roll records that drive the
// simulated plant clock.
package playback

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"papergw/pkg/protocol"
)

// DefaultPath is where the playback CSV lives relative to the working
// directory.
const DefaultPath = "public/worker_dashboard/simulate_paper_data.csv"

// MaxPageSize bounds Page's limit argument.
const MaxPageSize = 100

// Record is one CSV row keyed by header name.
type Record map[string]string

// Lot returns the record's lot column.
func (r Record) Lot() string { return r["lot"] }

// Timestamp returns the record's timestamp column.
func (r Record) Timestamp() string { return r["timestamp"] }

// Page is one slice of the loaded records.
type Page struct {
	Data        []Record `json:"data"`
	Total       int      `json:"total"`
	CurrentPage int      `json:"currentPage"`
	HasNext     bool     `json:"hasNext"`
}

// Cursor is the process-wide playback position. The index wraps modulo the
// record count.
type Cursor struct {
	startPercentage int

	mu      sync.RWMutex
	records []Record
	index   int
	loaded  bool
	source  string
}

// NewCursor returns an unloaded cursor. startPercentage picks the initial
// index on first load.
func NewCursor(startPercentage int) *Cursor {
	return &Cursor{startPercentage: startPercentage}
}

// StartPercentage returns the configured start percentage.
func (c *Cursor) StartPercentage() int { return c.startPercentage }

// LoadFile reads path and positions the cursor at the start percentage.
// On failure the cursor is left as it was.
func (c *Cursor) LoadFile(path string) error {
	records, err := readFile(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replace(records, path, c.startIndex(len(records)))
	return nil
}

// Load reads records from r and positions the cursor at the start
// percentage.
func (c *Cursor) Load(r io.Reader) error {
	records, err := parse(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replace(records, "", c.startIndex(len(records)))
	return nil
}

// Reload re-reads path, keeping the current index modulo the new length. A
// failed reload keeps the previous records.
func (c *Cursor) Reload(path string) error {
	records, err := readFile(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := 0
	switch {
	case !c.loaded:
		idx = c.startIndex(len(records))
	case len(records) > 0:
		idx = c.index % len(records)
	}
	c.replace(records, path, idx)
	return nil
}

func (c *Cursor) replace(records []Record, source string, idx int) {
	c.records = records
	c.index = idx
	c.loaded = true
	if source != "" {
		c.source = source
	}
}

func (c *Cursor) startIndex(n int) int {
	if n == 0 {
		return 0
	}
	return (n * c.startPercentage / 100) % n
}

// Source returns the file last loaded, or "".
func (c *Cursor) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

// Loaded reports whether any load has succeeded.
func (c *Cursor) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Len returns the number of loaded records.
func (c *Cursor) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Index returns the current position.
func (c *Cursor) Index() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

// Current returns the record at the cursor.
func (c *Cursor) Current() (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.records[c.index], nil
}

// Next advances the cursor (wrapping) and returns the new record.
func (c *Cursor) Next() (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return nil, err
	}
	c.index = (c.index + 1) % len(c.records)
	return c.records[c.index], nil
}

// Page returns records [(page-1)*limit, page*limit). page is raised to 1 and
// limit clamped to [1, MaxPageSize].
func (c *Cursor) Page(page, limit int) (Page, error) {
	page = max(1, page)
	limit = min(MaxPageSize, max(1, limit))

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return Page{}, &protocol.DataNotLoadedError{}
	}

	total := len(c.records)
	// Pages past the end are answered before multiplying so a huge page
	// number cannot overflow.
	if page-1 >= (total+limit-1)/limit {
		return Page{Data: []Record{}, Total: total, CurrentPage: page}, nil
	}
	start := (page - 1) * limit
	end := min(start+limit, total)
	data := make([]Record, end-start)
	copy(data, c.records[start:end])

	return Page{
		Data:        data,
		Total:       total,
		CurrentPage: page,
		HasNext:     end < total,
	}, nil
}

func (c *Cursor) ready() error {
	if !c.loaded {
		return &protocol.DataNotLoadedError{}
	}
	if len(c.records) == 0 {
		return &protocol.DataNotLoadedError{Empty: true}
	}
	return nil
}

var secondsSuffix = regexp.MustCompile(`(\d{1,2}:\d{2}):\d{2}$`)

// TrimSeconds drops a trailing ":SS" from an HH:MM:SS timestamp. Values
// already at minute precision are returned unchanged.
func TrimSeconds(ts string) string {
	return secondsSuffix.ReplaceAllString(ts, "$1")
}

// StreamRecord returns a copy of r with its timestamp trimmed to minutes.
func StreamRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	if ts, ok := out["timestamp"]; ok {
		out["timestamp"] = TrimSeconds(ts)
	}
	return out
}

func readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open playback csv: %w", err)
	}
	defer f.Close()
	records, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return records, nil
}

// parse reads a header row followed by data rows. Short rows are padded with
// empty strings; blank lines are skipped.
func parse(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	records := []Record{}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		rec := make(Record, len(header))
		for i, h := range header {
			v := ""
			if i < len(row) {
				v = strings.TrimSpace(row[i])
			}
			rec[h] = v
		}
		records = append(records, rec)
	}
	return records, nil
}
