package medicine

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var ErrNoNameColumn = errors.New("catalogue has no name column")

// Medicine is one catalogue row with its derived search keys.
type Medicine struct {
	ID           *int64
	Brand        string
	Manufacturer string
	Molecule1    string
	Molecule2    string
	Composition  string

	cleanBrand       string
	cleanComposition string
	suggestTarget    string
	phonetic         string
}

var columnAliases = map[string][]string{
	"id":           {"id", "uid", "identifier"},
	"name":         {"name", "drug_name", "brand_name"},
	"manufacturer": {"manufacturer_name", "manufacturer", "manufacture"},
	"comp1":        {"short_composition1", "composition1", "generic1"},
	"comp2":        {"short_composition2", "composition2", "generic2"},
}

// LoadFile reads a catalogue CSV from disk.
func LoadFile(path string) ([]Medicine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load reads a catalogue CSV, detecting columns by header name.
func Load(r io.Reader) ([]Medicine, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := detectColumns(header)
	if cols["name"] < 0 {
		return nil, ErrNoNameColumn
	}

	var out []Medicine
	for row := 0; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row+1, err)
		}
		field := func(key string) string {
			i := cols[key]
			if i < 0 || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		m := Medicine{
			Brand:        field("name"),
			Manufacturer: field("manufacturer"),
			Molecule1:    field("comp1"),
			Molecule2:    field("comp2"),
		}
		if m.Manufacturer == "" {
			m.Manufacturer = "Unknown"
		}
		if cols["id"] >= 0 {
			if id, err := strconv.ParseInt(field("id"), 10, 64); err == nil {
				m.ID = &id
			}
		} else {
			id := int64(row)
			m.ID = &id
		}
		m.index()
		out = append(out, m)
	}
	return out, nil
}

func (m *Medicine) index() {
	m.Composition = strings.TrimSpace(m.Molecule1 + " " + m.Molecule2)
	m.cleanBrand = CleanBrand(m.Brand)
	m.cleanComposition = CleanComposition(strings.ToLower(m.Composition))
	m.suggestTarget = strings.TrimSpace(m.cleanBrand + " " + m.cleanComposition)
	m.phonetic = phoneticKey(m.cleanBrand)
}

func detectColumns(header []string) map[string]int {
	out := make(map[string]int, len(columnAliases))
	for key, aliases := range columnAliases {
		out[key] = -1
		for i, h := range header {
			name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
			if contains(aliases, name) {
				out[key] = i
				break
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
