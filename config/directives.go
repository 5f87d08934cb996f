package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openafs-contrib/cellcc/fsutils"
	"github.com/openafs-contrib/cellcc/ioutils"
	"gopkg.in/yaml.v3"
)

// Directives is CellCC's configuration directive tree: a JSON (or YAML)
// document addressed by "/"-separated paths, e.g. "cells/src.example/dst-cells"
// or "restore/queues/default/max-parallel". It wraps a MapAttributes built
// from the parsed document, the way golly's own properties/attributes
// abstractions are built, and adds the directive-path addressing, relaxed
// parsing, -x overrides, and reload semantics spec.md §6 calls for.
type Directives struct {
	mu     sync.RWMutex
	attrs  *MapAttributes
	source string
}

// Override is one `-x KEY=VAL` (or `-x json:KEY=VAL`) command-line override,
// applied after file load and before validation.
type Override struct {
	Path string
	// JSON indicates the value should be parsed as a JSON literal (number,
	// bool, array, object) rather than stored as a raw string.
	JSON  bool
	Value string
}

// ParseOverride parses one `-x` flag argument into an Override.
func ParseOverride(arg string) (Override, error) {
	rest := arg
	jsonVal := false
	if strings.HasPrefix(rest, "json:") {
		jsonVal = true
		rest = strings.TrimPrefix(rest, "json:")
	}
	idx := strings.Index(rest, "=")
	if idx < 0 {
		return Override{}, fmt.Errorf("config: malformed -x override %q, want KEY=VAL", arg)
	}
	return Override{Path: rest[:idx], JSON: jsonVal, Value: rest[idx+1:]}, nil
}

// Load reads, relaxed-parses and validates a directive tree from path,
// applies overrides, and returns the resulting Directives. The file format
// is detected from its extension via fsutils.LookupContentType: YAML
// (".yaml"/".yml") is decoded with gopkg.in/yaml.v3 into a generic document
// and re-marshaled to JSON so the rest of this package only ever deals with
// one in-memory representation; anything else is treated as JSON with
// comments and trailing commas stripped.
func Load(path string, overrides []Override) (*Directives, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var doc map[string]any
	if fsutils.LookupContentType(path) == ioutils.MimeTextYAML {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("config: parsing YAML %s: %w", path, err)
		}
		asJSON, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("config: converting YAML %s: %w", path, err)
		}
		if err := json.Unmarshal(asJSON, &doc); err != nil {
			return nil, fmt.Errorf("config: converting YAML %s: %w", path, err)
		}
	} else {
		stripped := stripComments(raw)
		if err := json.Unmarshal(stripped, &doc); err != nil {
			return nil, fmt.Errorf("config: parsing JSON %s: %w", path, err)
		}
	}

	d := &Directives{attrs: flattenToAttrs(doc), source: path}
	for _, ov := range overrides {
		if err := d.apply(ov); err != nil {
			return nil, fmt.Errorf("config: applying override %q: %w", ov.Path, err)
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-parses the file this Directives was loaded from, applying the
// given overrides (the receiver does not keep the ones Load was given), and only swaps the new tree in if it parses and validates
// successfully and reinit succeeds; otherwise the receiver is left
// unmodified and the error is returned, per spec.md §6's SIGHUP contract.
func (d *Directives) Reload(overrides []Override, reinit func(*Directives) error) error {
	next, err := Load(d.source, overrides)
	if err != nil {
		return err
	}
	if reinit != nil {
		if err := reinit(next); err != nil {
			return fmt.Errorf("config: reload: reinitializing with new config: %w", err)
		}
	}
	d.mu.Lock()
	d.attrs = next.attrs
	d.mu.Unlock()
	return nil
}

func (d *Directives) apply(ov Override) error {
	if ov.JSON {
		var v any
		if err := json.Unmarshal([]byte(ov.Value), &v); err != nil {
			return fmt.Errorf("parsing JSON value: %w", err)
		}
		d.attrs.Set(ov.Path, v)
		return nil
	}
	d.attrs.Set(ov.Path, ov.Value)
	return nil
}

// stripComments removes "#" and "//" line comments and trailing commas
// before a closing "]" or "}", so operators can hand-author the directive
// file the way spec.md §6 describes ("relaxed parsing: trailing commas,
// bare keys, # and // comments"). Bare (unquoted) keys are left to the
// operator to avoid — detecting them reliably without a real tokenizer
// would risk corrupting string values that happen to contain "//" or "#".
func stripComments(raw []byte) []byte {
	lines := bytes.Split(raw, []byte("\n"))
	var out [][]byte
	for _, line := range lines {
		out = append(out, stripLineComment(line))
	}
	joined := bytes.Join(out, []byte("\n"))
	return stripTrailingCommas(joined)
}

func stripLineComment(line []byte) []byte {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			if i == 0 || line[i-1] != '\\' {
				inString = !inString
			}
		case '#':
			if !inString {
				return line[:i]
			}
		case '/':
			if !inString && i+1 < len(line) && line[i+1] == '/' {
				return line[:i]
			}
		}
	}
	return line
}

func stripTrailingCommas(b []byte) []byte {
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] == ',' {
			j := i + 1
			for j < len(b) && (b[j] == ' ' || b[j] == '\t' || b[j] == '\n' || b[j] == '\r') {
				j++
			}
			if j < len(b) && (b[j] == '}' || b[j] == ']') {
				continue
			}
		}
		out = append(out, b[i])
	}
	return out
}

// flattenToAttrs stores a parsed JSON document into a MapAttributes keyed by
// its full "/"-joined directive path, so every leaf value is reachable with
// a single Get("a/b/c") without walking nested maps by hand at every call
// site.
func flattenToAttrs(doc map[string]any) *MapAttributes {
	attrs := &MapAttributes{}
	attrs.ThreadSafe(true)
	flattenInto(attrs, "", doc)
	return attrs
}

func flattenInto(attrs *MapAttributes, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			p := k
			if prefix != "" {
				p = prefix + "/" + k
			}
			flattenInto(attrs, p, val)
		}
	default:
		if prefix != "" {
			attrs.Set(prefix, v)
		}
	}
}

// Get returns the raw value stored at path, or nil if unset.
func (d *Directives) Get(path string) any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.attrs.Get(path)
}

// GetString returns the string directive at path, or def if unset.
func (d *Directives) GetString(path, def string) string {
	v := d.Get(path)
	if v == nil {
		return def
	}
	return fmt.Sprintf("%v", v)
}

// GetInt returns the integer directive at path, or def if unset.
func (d *Directives) GetInt(path string, def int) int {
	v := d.Get(path)
	if v == nil {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns the boolean directive at path, or def if unset.
func (d *Directives) GetBool(path string, def bool) bool {
	v := d.Get(path)
	if v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

// GetStringSlice returns the array directive at path as a slice of strings.
func (d *Directives) GetStringSlice(path string) []string {
	v := d.Get(path)
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		out = append(out, fmt.Sprintf("%v", e))
	}
	return out
}

// Keys returns the immediate child names one path segment below prefix
// (e.g. Keys("cells") returns cell names, Keys("restore/queues") returns
// queue names), used to enumerate the regex-keyed families spec.md §6
// describes (cells/*/dst-cells, restore/queues/*/...).
func (d *Directives) Keys(prefix string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := map[string]bool{}
	want := prefix + "/"
	for _, k := range d.attrs.Keys() {
		if !strings.HasPrefix(k, want) {
			continue
		}
		rest := strings.TrimPrefix(k, want)
		seg := rest
		if i := strings.Index(rest, "/"); i >= 0 {
			seg = rest[:i]
		}
		seen[seg] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// QueueNames returns the configured restore queue names, always including
// the synthetic "default" queue even when no restore/queues/* directives
// are present, per SPEC_FULL.md §12's queue-enumeration supplement.
func (d *Directives) QueueNames() []string {
	names := d.Keys("restore/queues")
	for _, n := range names {
		if n == "default" {
			return names
		}
	}
	return append([]string{"default"}, names...)
}

// Validate enforces the fatal-misconfiguration checks of spec.md §7 and
// SPEC_FULL.md §13(a) eagerly, so a bad config fails at load time rather
// than mid-run: every set directive must match a known pattern, and the
// admin CLI must have a usable credential source. Type mismatches within a
// known directive are caught lazily by the typed Get* accessors at point
// of use, as golly's own Attributes accessors do.
func (d *Directives) Validate() error {
	if unknown := d.unknownKeys(); len(unknown) > 0 {
		return fmt.Errorf("config: unknown directives: %s", strings.Join(unknown, ", "))
	}
	hasKeytab := d.GetString("vos/keytab", "") != ""
	localauth := d.GetBool("vos/localauth", false)
	if !hasKeytab && !localauth {
		return fmt.Errorf("config: admin CLI requires either vos/keytab or vos/localauth")
	}
	return nil
}

// Dump renders every directive currently set (post -x overrides), one
// "path = value" line per directive, sorted by path — the `config --dump`
// subcommand's output.
func (d *Directives) Dump() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := d.attrs.Keys()
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s = %v\n", k, d.attrs.Get(k))
	}
	return sb.String()
}
