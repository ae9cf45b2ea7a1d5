package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/asaavedra/filament-agent/pkg/canonical"
)

var observedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func hasAnomaly(anomalies []canonical.Anomaly, kind canonical.AnomalyKind) bool {
	for _, a := range anomalies {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func TestMapUnknownVendorKeepsOnlyExtras(t *testing.T) {
	m := Default()
	res := m.Map("UNKNOWN", "p1", decode(t, `{"foo": "bar", "baz": 123}`), observedAt)

	if !res.Fallback {
		t.Fatal("expected fallback rule")
	}
	if !hasAnomaly(res.Anomalies, canonical.AnomalyUnrecognizedVendor) {
		t.Fatalf("anomalies = %v, want unrecognized vendor", res.Anomalies)
	}
	if res.State.HasCanonical() {
		t.Fatalf("canonical fields populated: %+v", res.State)
	}
	if len(res.State.Extra) != 2 {
		t.Fatalf("extras = %v, want exactly foo and baz", res.State.Extra)
	}
	if got, ok := res.State.Extra["foo"].AsString(); !ok || got != "bar" {
		t.Fatalf("foo = %v", res.State.Extra["foo"])
	}
	if got, ok := res.State.Extra["baz"].AsInt(); !ok || got != 123 {
		t.Fatalf("baz = %v (%s), want int 123", res.State.Extra["baz"], res.State.Extra["baz"].Kind())
	}
	if res.State.PrinterID != "p1" || !res.State.ObservedAt.Equal(observedAt) {
		t.Fatalf("context not stamped: %+v", res.State)
	}
}

func TestMapUnknownVendorRetainsEveryKey(t *testing.T) {
	payloads := []string{
		`{"progress": 42, "state": "printing", "weird": true}`,
		`{"nested": {"a": 1, "b": [1, 2, {"c": "x"}]}, "empty": {}, "list": []}`,
		`{"job_id": 7, "nozzle_temp": "hot", "n": null}`,
	}
	m := Default()
	for _, raw := range payloads {
		payload := decode(t, raw)
		res := m.Map("mystery-brand", "p1", payload, observedAt)
		for key := range payload {
			if _, ok := res.State.Extra[key]; ok {
				continue
			}
			found := false
			for extraKey := range res.State.Extra {
				if strings.HasPrefix(extraKey, key+".") {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("payload %s: key %q missing from extras %v", raw, key, res.State.Extra.Keys())
			}
		}
	}
}

func TestGenericCopiesWellNamedFields(t *testing.T) {
	res := Default().Map("other", "p1", decode(t, `{"state": "printing", "progress": 42, "job_id": 7}`), observedAt)

	if res.State.Lifecycle != canonical.LifecyclePrinting {
		t.Fatalf("lifecycle = %q", res.State.Lifecycle)
	}
	if res.State.Progress == nil || *res.State.Progress != 0.42 {
		t.Fatalf("progress = %v, want 0.42", res.State.Progress)
	}
	if res.State.JobID != "7" {
		t.Fatalf("job id = %q, want 7", res.State.JobID)
	}
	if got, _ := res.State.Extra["progress"].AsInt(); got != 42 {
		t.Fatalf("passthrough progress = %v", res.State.Extra["progress"])
	}
}

func TestMalformedFieldGoesToExtras(t *testing.T) {
	res := Default().Map("bambu", "p1", decode(t, `{"print": {"gcode_state": "RUNNING", "mc_percent": "abc"}}`), observedAt)

	if res.Fallback {
		t.Fatal("bambu should not fall back")
	}
	if res.State.Progress != nil {
		t.Fatalf("progress = %v, want nil", *res.State.Progress)
	}
	if got, _ := res.State.Extra["print.mc_percent"].AsString(); got != "abc" {
		t.Fatalf("extras = %v, want print.mc_percent=abc", res.State.Extra)
	}
	if !hasAnomaly(res.Anomalies, canonical.AnomalyMalformedField) {
		t.Fatalf("anomalies = %v, want malformed field", res.Anomalies)
	}
	if res.State.Lifecycle != canonical.LifecyclePrinting {
		t.Fatalf("lifecycle = %q, other fields must still map", res.State.Lifecycle)
	}
}

func TestProgressOutOfRangeIsMalformed(t *testing.T) {
	res := Default().Map("moonraker", "p1", decode(t, `{"virtual_sdcard": {"progress": 3.5}}`), observedAt)
	if res.State.Progress != nil {
		t.Fatalf("progress = %v, want nil", *res.State.Progress)
	}
	if _, ok := res.State.Extra["virtual_sdcard.progress"]; !ok {
		t.Fatalf("extras = %v", res.State.Extra)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewMapper()
	if err := m.Register(Bambu()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(Bambu()); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if err := m.Register(&Mapping{}); err == nil {
		t.Fatal("empty vendor tag accepted")
	}
}

func TestMapVendorTagIsCaseInsensitive(t *testing.T) {
	res := Default().Map("PrusaLink", "p1", decode(t, `{"printer": {"state": "PRINTING"}}`), observedAt)
	if res.Fallback || res.State.Vendor != "prusalink" {
		t.Fatalf("result = %+v", res)
	}
}

func TestVendorsAreSorted(t *testing.T) {
	got := Default().Vendors()
	want := []string{"bambu", "generic", "moonraker", "octoprint", "prusalink", "snmp"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Vendors() = %v, want %v", got, want)
	}
}

func TestMapConcurrentUse(t *testing.T) {
	m := Default()
	payload := decode(t, `{"print": {"gcode_state": "RUNNING", "mc_percent": 10}}`)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				res := m.Map("bambu", "p1", payload, observedAt)
				if res.State.Progress == nil || *res.State.Progress != 0.1 {
					t.Errorf("progress = %v", res.State.Progress)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestYAMLRule(t *testing.T) {
	const doc = `
- vendor: Snapmaker
  fields:
    - field: progress
      paths: [status.progress]
      convert: percent
    - field: lifecycle
      paths: [status.state]
  states:
    RUNNING: printing
    IDLE: idle
`
	var configs []RuleConfig
	if err := yaml.NewDecoder(bytes.NewBufferString(doc)).Decode(&configs); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	rules, err := BuildRules(configs)
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}

	m := NewMapper()
	for _, rule := range rules {
		if err := m.Register(rule); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	res := m.Map("snapmaker", "p9", decode(t, `{"status": {"progress": 50, "state": "RUNNING", "fan": 80}}`), observedAt)
	if res.Fallback {
		t.Fatal("yaml rule not used")
	}
	if res.State.Lifecycle != canonical.LifecyclePrinting || *res.State.Progress != 0.5 {
		t.Fatalf("state = %+v", res.State)
	}
	if got, _ := res.State.Extra["status.fan"].AsInt(); got != 80 {
		t.Fatalf("extras = %v", res.State.Extra)
	}
}

func TestYAMLRuleValidation(t *testing.T) {
	tests := []RuleConfig{
		{},
		{Vendor: "x", Fields: []FieldConfig{{Field: "speed", Paths: []string{"a"}}}},
		{Vendor: "x", Fields: []FieldConfig{{Field: "progress"}}},
		{Vendor: "x", Fields: []FieldConfig{{Field: "progress", Paths: []string{"a"}, Convert: "hours"}}},
		{Vendor: "x", States: map[string]string{"RUN": "sprinting"}},
	}
	for i, c := range tests {
		if _, err := c.Build(); err == nil {
			t.Errorf("config #%d accepted", i)
		}
	}
}
