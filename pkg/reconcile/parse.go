package reconcile

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Entry is one normalized row from either manifest side, addressable by
// (DriveID, ItemID) when both are present or by Path otherwise. It is a
// hand-written tolerant union of spec §6's CSV header variants and
// pkg/manifest's own ManifestEntry field names — the same reflection-free
// parsing approach spec §9 calls for, since this file consumes manifests
// in three different shapes (JSON array, JSON-lines, CSV) and two
// different vocabularies (external CSV columns, HCO's own manifest JSON).
type Entry struct {
	Custodian   string
	DriveID     string
	ItemID      string
	Path        string
	SizeBytes   int64
	SHA256      string
	StorageURI  string
	CollectedAt time.Time
	Kind        string
}

// loadEntries sniffs data's shape and parses it into Entries plus a list
// of per-row WARN messages for rows that failed to parse or were missing
// a usable Path.
func loadEntries(data []byte) ([]Entry, []string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil, nil
	}

	switch trimmed[0] {
	case '[':
		var arr []map[string]interface{}
		if err := json.Unmarshal(trimmed, &arr); err == nil {
			entries, warnings := entriesFromMaps(arr)
			return entries, warnings, nil
		}
		return nil, nil, fmt.Errorf("reconcile: parse json array: invalid JSON")
	case '{':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		var single map[string]interface{}
		if err := dec.Decode(&single); err == nil {
			if _, tokErr := dec.Token(); tokErr == io.EOF {
				if items, ok := single["items"].([]interface{}); ok {
					maps := make([]map[string]interface{}, 0, len(items))
					for _, it := range items {
						if m, ok := it.(map[string]interface{}); ok {
							maps = append(maps, m)
						}
					}
					entries, warnings := entriesFromMaps(maps)
					return entries, warnings, nil
				}
				entries, warnings := entriesFromMaps([]map[string]interface{}{single})
				return entries, warnings, nil
			}
		}
		return loadJSONLines(trimmed)
	default:
		return loadCSV(trimmed)
	}
}

func loadJSONLines(data []byte) ([]Entry, []string, error) {
	var entries []Entry
	var warnings []string
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: invalid JSON: %v", i+1, err))
			continue
		}
		e, ok, reason := entryFromFields(normalizeKeys(m))
		if !ok {
			warnings = append(warnings, fmt.Sprintf("line %d: %s", i+1, reason))
			continue
		}
		entries = append(entries, e)
	}
	return entries, warnings, nil
}

func entriesFromMaps(maps []map[string]interface{}) ([]Entry, []string) {
	entries := make([]Entry, 0, len(maps))
	var warnings []string
	for i, m := range maps {
		e, ok, reason := entryFromFields(normalizeKeys(m))
		if !ok {
			warnings = append(warnings, fmt.Sprintf("item %d: %s", i+1, reason))
			continue
		}
		entries = append(entries, e)
	}
	return entries, warnings
}

func loadCSV(data []byte) ([]Entry, []string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: read csv header: %w", err)
	}
	lower := make([]string, len(header))
	for i, h := range header {
		lower[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var entries []Entry
	var warnings []string
	rowNum := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("row %d: %v", rowNum, err))
			continue
		}
		fields := make(map[string]string, len(row))
		for i, v := range row {
			if i < len(lower) {
				fields[lower[i]] = v
			}
		}
		e, ok, reason := entryFromFields(fields)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("row %d: %s", rowNum, reason))
			continue
		}
		entries = append(entries, e)
	}
	return entries, warnings, nil
}

func normalizeKeys(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = stringifyValue(v)
	}
	return out
}

func stringifyValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func lookup(fields map[string]string, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := fields[n]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// entryFromFields resolves a header-agnostic field set into an Entry,
// accepting both spec §6's external CSV variants and HCO's own
// ManifestEntry json keys. Rows without a usable Path are dropped per
// spec §4.10 step 1.
func entryFromFields(fields map[string]string) (Entry, bool, string) {
	custodian, _ := lookup(fields, "custodian")
	driveID, _ := lookup(fields, "driveid", "drive_id")
	itemID, _ := lookup(fields, "itemid", "item_id", "id", "source_item_id")
	path, hasPath := lookup(fields, "path", "filepath", "file_path", "artifact_path", "storageuri", "storage_uri")
	sizeStr, _ := lookup(fields, "size", "filesize", "file_size", "size_bytes")
	sha, _ := lookup(fields, "sha256", "hash")
	storageURI, _ := lookup(fields, "storageuri", "storage_uri", "artifact_path")
	collectedStr, _ := lookup(fields, "collectedutc", "collected_utc", "collected_at", "lastmodified", "modified")
	kind, _ := lookup(fields, "kind", "item_type")

	if !hasPath {
		return Entry{}, false, "missing Path"
	}

	var size int64
	if sizeStr != "" {
		size, _ = strconv.ParseInt(sizeStr, 10, 64)
	}

	var collectedAt time.Time
	if collectedStr != "" {
		collectedAt = parseFlexibleTime(collectedStr)
	}

	return Entry{
		Custodian:   custodian,
		DriveID:     driveID,
		ItemID:      itemID,
		Path:        path,
		SizeBytes:   size,
		SHA256:      sha,
		StorageURI:  storageURI,
		CollectedAt: collectedAt,
		Kind:        kind,
	}, true, ""
}

var timeLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseFlexibleTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
