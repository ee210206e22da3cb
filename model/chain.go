package model

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Chain is the ordered custody chain. Index 0 is the originating department.
type Chain []string

// StrSet is an insertion-ordered set of identifiers
type StrSet []string

var ordinalRank = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	"eleventh": 11, "twelfth": 12, "thirteenth": 13, "fourteenth": 14, "fifteenth": 15,
	"sixteenth": 16, "seventeenth": 17, "eighteenth": 18, "nineteenth": 19, "twentieth": 20,
}

// maxEncodingDepth bounds how many layers of string-encoding are unwrapped
const maxEncodingDepth = 3

// ParseChain normalizes every stored chain shape into a Chain: a JSON array,
// an object keyed by ordinal names ("first", "second", ...) or numeric
// positions, a string holding either of those, or a bare comma-separated
// list. Duplicates are dropped keeping the first position.
func ParseChain(raw []byte) (Chain, error) {
	items, err := parseIDList(raw, 0)
	if err != nil {
		return nil, err
	}
	return Chain(dedupe(items)), nil
}

// ParseStrSet normalizes a stored set. Besides the chain shapes it accepts an
// object whose keys are the members ({"u1": true}).
func ParseStrSet(raw []byte) (StrSet, error) {
	items, err := parseIDList(raw, 0)
	if err != nil {
		return nil, err
	}
	return StrSet(dedupe(items)), nil
}

func parseIDList(raw []byte, depth int) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if depth > maxEncodingDepth {
		return nil, NewError(KindValidation, "MalformedChain", "chain is encoded too deeply")
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, NewError(KindValidation, "MalformedChain", "invalid string-encoded chain: "+err.Error())
		}
		return parseIDList([]byte(s), depth+1)
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, NewError(KindValidation, "MalformedChain", "invalid chain array: "+err.Error())
		}
		out := make([]string, 0, len(arr))
		for _, el := range arr {
			id, err := scalarID(el)
			if err != nil {
				return nil, err
			}
			if id != "" {
				out = append(out, id)
			}
		}
		return out, nil
	case '{':
		return parseObject(raw)
	default:
		// bare text, e.g. a legacy comma-separated column
		var out []string
		for _, part := range strings.Split(string(raw), ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
}

type keyedID struct {
	key  string
	rank int
	id   string
}

func parseObject(raw []byte) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, NewError(KindValidation, "MalformedChain", "invalid chain object: "+err.Error())
	}

	// {"dept-a": true} style sets: members are the keys
	if isMembershipObject(obj) {
		keys := make([]string, 0, len(obj))
		for k, v := range obj {
			if bytes.Equal(bytes.TrimSpace(v), []byte("true")) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return keys, nil
	}

	entries := make([]keyedID, 0, len(obj))
	for k, v := range obj {
		id, err := scalarID(v)
		if err != nil {
			return nil, err
		}
		if id == "" {
			continue
		}
		entries = append(entries, keyedID{key: k, rank: positionOf(k), id: id})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].rank != entries[j].rank {
			return entries[i].rank < entries[j].rank
		}
		return entries[i].key < entries[j].key
	})
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.id)
	}
	return out, nil
}

func isMembershipObject(obj map[string]json.RawMessage) bool {
	if len(obj) == 0 {
		return false
	}
	for _, v := range obj {
		v = bytes.TrimSpace(v)
		if !bytes.Equal(v, []byte("true")) && !bytes.Equal(v, []byte("false")) {
			return false
		}
	}
	return true
}

// positionOf ranks an object key. Unknown keys sort after every known one.
func positionOf(key string) int {
	k := strings.ToLower(strings.TrimSpace(key))
	if r, ok := ordinalRank[k]; ok {
		return r
	}
	if n, err := strconv.Atoi(k); err == nil && n >= 0 {
		// numeric keys are zero-based positions
		return n + 1
	}
	return 1 << 20
}

func scalarID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", NewError(KindValidation, "MalformedChain", err.Error())
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", NewError(KindValidation, "MalformedChain", "unsupported chain element "+string(raw))
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Contains reports chain membership
func (c Chain) Contains(department string) bool {
	for _, d := range c {
		if d == department {
			return true
		}
	}
	return false
}

// Append adds department at the next position if absent. It reports whether
// the chain grew.
func (c Chain) Append(department string) (Chain, bool) {
	if c.Contains(department) {
		return c, false
	}
	return append(c, department), true
}

// UnmarshalJSON accepts every shape ParseChain does
func (c *Chain) UnmarshalJSON(data []byte) error {
	parsed, err := ParseChain(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalJSON always writes a plain array
func (c Chain) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(c))
}

// Scan implements sql.Scanner
func (c *Chain) Scan(value any) error {
	raw, err := scanBytes(value)
	if err != nil {
		return err
	}
	parsed, err := ParseChain(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Value implements driver.Valuer
func (c Chain) Value() (driver.Value, error) {
	b, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports set membership
func (s StrSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Add inserts id if absent
func (s StrSet) Add(id string) StrSet {
	if s.Contains(id) {
		return s
	}
	return append(s, id)
}

// UnmarshalJSON accepts every shape ParseStrSet does
func (s *StrSet) UnmarshalJSON(data []byte) error {
	parsed, err := ParseStrSet(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalJSON always writes a plain array
func (s StrSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// Scan implements sql.Scanner
func (s *StrSet) Scan(value any) error {
	raw, err := scanBytes(value)
	if err != nil {
		return err
	}
	parsed, err := ParseStrSet(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer
func (s StrSet) Value() (driver.Value, error) {
	b, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
}
