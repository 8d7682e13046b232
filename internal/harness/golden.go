package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"
	"golang.org/x/text/unicode/norm"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Writes       int64        `json:"writes"`
}

func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":      event.Seq,
			"op":       event.Op,
			"counters": event.Counter,
		}
		if event.Detail != nil {
			eventMap["detail"] = event.Detail
		}
		traceList[i] = eventMap
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"writes":        s.Writes,
	}
}

// RunWithGolden executes a scenario and compares the trace against a
// golden file under testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails; trace mismatches fail the
// test through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, nil)
	if err != nil {
		return nil, err
	}

	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		Trace:        result.Trace,
		Writes:       result.Writes,
	}
	traceJSON, err := marshalTrace(snapshot.toCanonicalMap())
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return result, nil
}

// marshalTrace produces canonical JSON for golden comparison: object keys
// sorted, strings NFC normalized, no HTML escaping, no floats, no null.
func marshalTrace(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in trace JSON")
	case string:
		return marshalTraceString(val)
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return marshalTraceArray(arr)
	case []any:
		return marshalTraceArray(val)
	case map[string]any:
		return marshalTraceObject(val)
	case map[string]int64:
		obj := make(map[string]any, len(val))
		for k, n := range val {
			obj[k] = n
		}
		return marshalTraceObject(obj)
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in trace JSON: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for trace JSON: %T", v)
	}
}

func marshalTraceArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := marshalTrace(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalTraceObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalTraceString(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalTrace(obj[k])
		if err != nil {
			return nil, fmt.Errorf("object[%q]: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalTraceString NFC-normalizes at the serialization boundary and
// disables HTML escaping so traces stay byte-stable across inputs that
// differ only in Unicode composition.
func marshalTraceString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}
	return result, nil
}
