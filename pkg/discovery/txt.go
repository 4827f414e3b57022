package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXT record keys of a CoAP service instance. They mirror the CoRE Link
// Format attributes of the endpoint's main resource.
const (
	// TXTKeyResourceType lists resource types, space separated.
	TXTKeyResourceType = "rt"

	// TXTKeyInterface lists interface descriptions, space separated.
	TXTKeyInterface = "if"

	// TXTKeyContentFormat lists Content-Format numbers, space separated.
	TXTKeyContentFormat = "ct"

	// TXTKeyPath is the path of the main resource.
	TXTKeyPath = "path"

	// TXTKeyAgentID identifies the advertising agent instance.
	TXTKeyAgentID = "id"
)

// MaxTXTRecordLength bounds one key=value string (one length byte on the wire).
const MaxTXTRecordLength = 255

// ServiceTXT is the typed content of a CoAP service TXT record.
type ServiceTXT struct {
	ResourceTypes  []string
	Interfaces     []string
	ContentFormats []uint32
	Path           string
	AgentID        string
}

// Encode returns the TXT strings in key order. Empty fields are omitted.
func (s *ServiceTXT) Encode() []string {
	var records []string
	add := func(key, value string) {
		if value != "" {
			records = append(records, key+"="+value)
		}
	}

	add(TXTKeyResourceType, strings.Join(s.ResourceTypes, " "))
	add(TXTKeyInterface, strings.Join(s.Interfaces, " "))
	if len(s.ContentFormats) > 0 {
		cts := make([]string, len(s.ContentFormats))
		for i, ct := range s.ContentFormats {
			cts[i] = strconv.FormatUint(uint64(ct), 10)
		}
		add(TXTKeyContentFormat, strings.Join(cts, " "))
	}
	add(TXTKeyPath, s.Path)
	add(TXTKeyAgentID, s.AgentID)

	sort.Strings(records)
	return records
}

// Validate checks that every record fits and the path is absolute.
func (s *ServiceTXT) Validate() error {
	if s.Path != "" && !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("%w: path %q is not absolute", ErrInvalidTXTRecord, s.Path)
	}
	for _, values := range [][]string{s.ResourceTypes, s.Interfaces} {
		for _, v := range values {
			if v == "" || strings.ContainsAny(v, " =") {
				return fmt.Errorf("%w: value %q", ErrInvalidTXTRecord, v)
			}
		}
	}
	for _, r := range s.Encode() {
		if len(r) > MaxTXTRecordLength {
			return fmt.Errorf("%w: record %.16q... is %d bytes", ErrInvalidTXTRecord, r, len(r))
		}
	}
	return nil
}

// ParseTXT parses raw TXT record strings into a map. Records without a
// key are skipped; a repeated key keeps its first value.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		key, value, _ := strings.Cut(record, "=")
		if key == "" {
			continue
		}
		if _, dup := result[key]; !dup {
			result[key] = value
		}
	}
	return result
}

// ParseServiceTXT parses raw TXT records into a ServiceTXT. Unknown keys
// are ignored.
func ParseServiceTXT(records []string) (*ServiceTXT, error) {
	m := ParseTXT(records)
	txt := &ServiceTXT{
		ResourceTypes: strings.Fields(m[TXTKeyResourceType]),
		Interfaces:    strings.Fields(m[TXTKeyInterface]),
		Path:          m[TXTKeyPath],
		AgentID:       m[TXTKeyAgentID],
	}

	for _, f := range strings.Fields(m[TXTKeyContentFormat]) {
		ct, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: ct=%q", ErrInvalidTXTRecord, f)
		}
		txt.ContentFormats = append(txt.ContentFormats, uint32(ct))
	}

	if txt.Path != "" && !strings.HasPrefix(txt.Path, "/") {
		return nil, fmt.Errorf("%w: path=%q", ErrInvalidTXTRecord, txt.Path)
	}
	return txt, nil
}
