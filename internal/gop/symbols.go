package gop

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// UnknownPhone is the label returned for phone ids that are not present in
// the symbol table. Reporting must never fail on an unmapped id.
const UnknownPhone = "UNK"

// SymbolTable is a bidirectional phone name ↔ id mapping loaded from a
// whitespace-separated "name id" file. Read-only after construction.
type SymbolTable struct {
	byID   map[int]string
	byName map[string]int
}

// LoadSymbolTable reads a symbol table file from path.
func LoadSymbolTable(path string) (*SymbolTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gop: open symbol table %q: %w", path, err)
	}
	defer f.Close()
	st, err := ReadSymbolTable(f)
	if err != nil {
		return nil, fmt.Errorf("gop: parse symbol table %q: %w", path, err)
	}
	return st, nil
}

// ReadSymbolTable parses a symbol table from r. Malformed lines are skipped.
func ReadSymbolTable(r io.Reader) (*SymbolTable, error) {
	st := &SymbolTable{
		byID:   make(map[int]string),
		byName: make(map[string]int),
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		st.byID[id] = fields[0]
		st.byName[fields[0]] = id
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

// Name returns the phone name for id, or [UnknownPhone] when id is unmapped.
func (st *SymbolTable) Name(id int) string {
	if name, ok := st.byID[id]; ok {
		return name
	}
	return UnknownPhone
}

// ID returns the id for a phone name.
func (st *SymbolTable) ID(name string) (int, bool) {
	id, ok := st.byName[name]
	return id, ok
}

// Len returns the number of symbols in the table.
func (st *SymbolTable) Len() int { return len(st.byID) }

// Names returns every symbol name in the table, in unspecified order.
func (st *SymbolTable) Names() []string {
	names := make([]string, 0, len(st.byName))
	for name := range st.byName {
		names = append(names, name)
	}
	return names
}

// PurePhone strips stress and word-position markers from a phone name,
// returning the base phone: "AH0_B" → "AH", "K_E" → "K". Names without
// markers are returned unchanged.
func PurePhone(name string) string {
	base := name
	for _, suffix := range []string{"_B", "_E", "_I", "_S"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	base = strings.TrimRight(base, "0123456789")
	if base == "" {
		return name
	}
	return base
}

// WriteSymbolTable writes entries to w in "name id" format, ordered by id.
func WriteSymbolTable(w io.Writer, entries map[string]int) error {
	byID := make(map[int]string, len(entries))
	maxID := -1
	for name, id := range entries {
		byID[id] = name
		if id > maxID {
			maxID = id
		}
	}
	bw := bufio.NewWriter(w)
	for id := 0; id <= maxID; id++ {
		name, ok := byID[id]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s %d\n", name, id); err != nil {
			return err
		}
	}
	return bw.Flush()
}
