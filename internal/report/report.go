// Package report parses the summary.json a completed experiment
// downloads from the cloud service: metric extraction, the required
// "Total Cycles" field, the preferred-over-fallback instruction-count
// key, and the invalid-stub cleanup pass.
package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cloudexp/cloudexp/internal/cerrors"
)

const (
	keyTotalCycles                 = "Total Cycles"
	keyTotalInstructionsAllThreads = "Total Instructions Retired (All Threads)"
	keyTotalInstructions           = "Total Instructions Retired"
)

// Summary is the parsed, order-preserving view over summary.json.
type Summary struct {
	metrics     map[string]float64
	keyOrder    []string
	totalCycles float64
	totalInstr  *float64
}

// Parse decodes raw summary.json bytes. "Total Cycles" is required;
// internal keys (prefixed "_") are dropped from the exposed map.
func Parse(raw []byte) (*Summary, error) {
	const phase = "parsing_report"

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, cerrors.NewReportError(phase, cerrors.SubParse, err.Error())
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, cerrors.NewReportError(phase, cerrors.SubParse, "summary.json is not a JSON object")
	}

	s := &Summary{metrics: make(map[string]float64)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, cerrors.NewReportError(phase, cerrors.SubParse, err.Error())
		}
		key, _ := keyTok.(string)

		var value float64
		if err := dec.Decode(&value); err != nil {
			return nil, cerrors.NewReportError(phase, cerrors.SubParse, err.Error())
		}

		if strings.HasPrefix(key, "_") {
			continue
		}
		s.metrics[key] = value
		s.keyOrder = append(s.keyOrder, key)
	}

	cycles, ok := s.metrics[keyTotalCycles]
	if !ok {
		return nil, cerrors.NewReportError(phase, cerrors.SubMissingField, keyTotalCycles)
	}
	s.totalCycles = cycles

	if v, ok := s.metrics[keyTotalInstructionsAllThreads]; ok {
		s.totalInstr = &v
	} else if v, ok := s.metrics[keyTotalInstructions]; ok {
		s.totalInstr = &v
	}

	return s, nil
}

// TotalCycles returns the required "Total Cycles" metric.
func (s *Summary) TotalCycles() float64 {
	return s.totalCycles
}

// TotalInstructions returns the preferred instruction-count metric, or
// nil if neither the "(All Threads)" nor plain key is present.
func (s *Summary) TotalInstructions() *float64 {
	return s.totalInstr
}

// MetricValue returns the numeric value for key, or nil if absent.
func (s *Summary) MetricValue(key string) *float64 {
	v, ok := s.metrics[key]
	if !ok {
		return nil
	}
	return &v
}

// MetricKeys returns metric keys in the JSON's original order,
// optionally filtered to those matching pattern.
func (s *Summary) MetricKeys(pattern *regexp.Regexp) []string {
	if pattern == nil {
		out := make([]string, len(s.keyOrder))
		copy(out, s.keyOrder)
		return out
	}
	var out []string
	for _, k := range s.keyOrder {
		if pattern.MatchString(k) {
			out = append(out, k)
		}
	}
	return out
}

// CleanInvalidStubs scans dir for summary*.json files and removes any
// whose parsed contents have both Total Cycles == 0 and total
// instructions == 0 (invalid region-of-interest stubs a partial or
// aborted run can leave behind). It does not touch the canonical
// summary.json unless that file is itself a stub.
func CleanInvalidStubs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "summary") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		parsed, err := Parse(raw)
		if err != nil {
			continue
		}
		instr := parsed.TotalInstructions()
		if parsed.TotalCycles() == 0 && (instr == nil || *instr == 0) {
			os.Remove(path)
		}
	}
	return nil
}

// LoadCanonical applies CleanInvalidStubs to dir, then parses dir's
// summary.json.
func LoadCanonical(dir string) (*Summary, error) {
	const phase = "loading_report"

	if err := CleanInvalidStubs(dir); err != nil {
		return nil, cerrors.NewReportError(phase, cerrors.SubParse, err.Error())
	}

	raw, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		return nil, cerrors.NewReportError(phase, cerrors.SubMissingField, "summary.json not found")
	}
	return Parse(raw)
}
