package driver

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// RegisterTag describes one PLC tag from the register map file: a logical
// hardware name bound to a Modbus holding-register address.
type RegisterTag struct {
	Name    string
	Address uint16
	Type    string // int16, uint16, bool
}

// maxSpanRegisters bounds one Modbus read request (protocol limit is 125).
const maxSpanRegisters = 100

// LoadRegisterMap parses a PLC register map CSV with rows of the form
// "name,address,type". Lines starting with '#' and blank lines are ignored.
func LoadRegisterMap(path string) ([]RegisterTag, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRegisterMap(f)
}

// ParseRegisterMap reads register map CSV rows from r.
func ParseRegisterMap(r io.Reader) ([]RegisterTag, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var tags []RegisterTag
	seen := make(map[string]bool)
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("register map: %w", err)
		}
		line++
		if len(rec) < 2 {
			return nil, fmt.Errorf("register map row %d: need name,address[,type]", line)
		}

		name := strings.TrimSpace(rec[0])
		if name == "" {
			return nil, fmt.Errorf("register map row %d: empty tag name", line)
		}
		if seen[name] {
			return nil, fmt.Errorf("register map row %d: duplicate tag %q", line, name)
		}
		seen[name] = true

		addr, err := strconv.ParseUint(strings.TrimSpace(rec[1]), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("register map row %d: bad address %q", line, rec[1])
		}

		typ := "uint16"
		if len(rec) >= 3 && strings.TrimSpace(rec[2]) != "" {
			typ = strings.TrimSpace(rec[2])
		}
		switch typ {
		case "int16", "uint16", "bool":
		default:
			return nil, fmt.Errorf("register map row %d: unsupported type %q", line, typ)
		}

		tags = append(tags, RegisterTag{Name: name, Address: addr16(addr), Type: typ})
	}
	return tags, nil
}

func addr16(v uint64) uint16 { return uint16(v) }

// registerSpan is one contiguous block of holding registers read in a
// single request.
type registerSpan struct {
	start uint16
	count uint16
	tags  []RegisterTag // sorted by address within the span
}

// planSpans groups tags into contiguous register spans so a full-table
// read costs a handful of requests instead of one per tag. Gaps split
// spans; so does the per-request register limit.
func planSpans(tags []RegisterTag) []registerSpan {
	if len(tags) == 0 {
		return nil
	}
	sorted := make([]RegisterTag, len(tags))
	copy(sorted, tags)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	var spans []registerSpan
	cur := registerSpan{start: sorted[0].Address, count: 1, tags: []RegisterTag{sorted[0]}}
	for _, tag := range sorted[1:] {
		end := cur.start + cur.count
		if tag.Address == end-1 {
			// Duplicate address, same register serves both tags.
			cur.tags = append(cur.tags, tag)
			continue
		}
		if tag.Address == end && cur.count < maxSpanRegisters {
			cur.count++
			cur.tags = append(cur.tags, tag)
			continue
		}
		spans = append(spans, cur)
		cur = registerSpan{start: tag.Address, count: 1, tags: []RegisterTag{tag}}
	}
	return append(spans, cur)
}
