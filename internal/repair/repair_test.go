package repair

import (
	"encoding/json"
	"testing"
)

func TestRepair_ValidJSONRoundTrips(t *testing.T) {
	in := `{"events":[{"confidence":0.9,"core_event":"rate cut"}],"total":1}`
	res := Repair(in)
	if res.Fallback {
		t.Fatalf("unexpected fallback: %s", res.Err)
	}
	if res.Attempts != 0 {
		t.Errorf("expected no normalization attempts, got %d", res.Attempts)
	}
	out, err := json.Marshal(res.Value)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != in {
		t.Errorf("round trip changed the document:\n got %s\nwant %s", out, in)
	}
}

func TestRepair_Cases(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		attempts int
		key      string
		want     any
	}{
		{
			name: "fences and reasoning",
			in:   "<think>maybe {x}</think>\n```json\n{\"a\": 1}\n```",
			key:  "a", want: 1.0,
		},
		{
			name:     "trailing commas",
			in:       `{"a": [1, 2,], "b": "x",}`,
			attempts: 1, key: "b", want: "x",
		},
		{
			name:     "single quotes and python literal",
			in:       `{'core_event': 'Fed's move', 'ok': True}`,
			attempts: 1, key: "core_event", want: "Fed's move",
		},
		{
			name:     "inner quotes and raw newline",
			in:       "{\"core_event\": \"央行宣布\"降息\"\n25基点\"}",
			attempts: 1, key: "core_event", want: "央行宣布\"降息\"\n25基点",
		},
		{
			name:     "missing comma between members",
			in:       "{\"a\": \"x\"\n \"b\": 2}",
			attempts: 1, key: "b", want: 2.0,
		},
		{
			name:     "invalid escape",
			in:       `{"path": "C:\data"}`,
			attempts: 1, key: "path", want: `C:\data`,
		},
		{
			name:     "bare keys and words",
			in:       `{impact_level: high, confidence: 0.8, core_event: Fed cuts rates}`,
			attempts: 2, key: "core_event", want: "Fed cuts rates",
		},
		{
			name:     "garbage after the object",
			in:       `{"a": 1} trailing {"b": 2}`,
			attempts: 3, key: "a", want: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Repair(tt.in)
			if res.Fallback {
				t.Fatalf("unexpected fallback: %s", res.Err)
			}
			if res.Attempts != tt.attempts {
				t.Errorf("expected %d attempts, got %d", tt.attempts, res.Attempts)
			}
			if got := res.Value[tt.key]; got != tt.want {
				t.Errorf("%s = %#v, want %#v", tt.key, got, tt.want)
			}
		})
	}
}

func TestRepair_MissingClosingBrace(t *testing.T) {
	in := `Here you go: {"batch_events": [{"news_index": 1, "core_event": "Fed cuts"}]`
	res := Repair(in)
	if res.Fallback {
		t.Fatalf("unexpected fallback: %s", res.Err)
	}
	events, ok := res.Value["batch_events"].([]any)
	if !ok || len(events) != 1 {
		t.Fatalf("expected one batch event, got %#v", res.Value["batch_events"])
	}
}

func TestRepair_Fallback(t *testing.T) {
	res := Repair("I cannot help with that.")
	if !res.Fallback || res.Attempts != 0 {
		t.Errorf("expected immediate fallback, got %+v", res)
	}
	if !IsFallback(res.Value) {
		t.Error("expected fallback object")
	}
	if res.Value["analysis_type"] != "fallback" {
		t.Errorf("unexpected fallback object %v", res.Value)
	}

	res = Repair("{:::}")
	if !res.Fallback {
		t.Fatalf("expected fallback, got %v", res.Value)
	}
	if res.Attempts != MaxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxAttempts, res.Attempts)
	}
}

func TestRepair_NeverPanics(t *testing.T) {
	inputs := []string{
		"", "{", "}", "{{{{", "[[[", "]]}}", `{"a":"\`, `{'`, "```json", "<think>",
		`{"a": \u12`, "\xff\xfe{\"a\"", `{"a": [}`, `{"a" "b" "c"}`, `{,,,}`, `{"a":}`,
		`{"k": 'v", "x": "y'}`, "{\"a\": \"\\u00\"}", "{\n\n\n", `{]`,
	}
	for _, in := range inputs {
		res := Repair(in)
		if res.Value == nil {
			t.Errorf("Repair(%q) returned a nil value", in)
		}
	}
}

func TestStagesAreIdempotent(t *testing.T) {
	inputs := []string{
		`{"a": [1, 2,], "b": "x",}`,
		`{'core_event': 'Fed's move', 'ok': True}`,
		"{\"core_event\": \"央行宣布\"降息\"\n25基点\"}",
		"{\"a\": \"x\"\n \"b\": 2}",
		`{"batch_events": [{"news_index": 1, "core_event": "Fed cuts"}`,
		`{"path": "C:\data"}`,
	}
	for _, in := range inputs {
		once := Normalize(in, Standard)
		if twice := Normalize(once, Standard); twice != once {
			t.Errorf("Normalize not idempotent for %q:\n once %q\ntwice %q", in, once, twice)
		}
		if !json.Valid([]byte(once)) {
			t.Errorf("Normalize(%q) = %q is not valid JSON", in, once)
		}
	}

	decorated := "<think>x</think>```json\n{\"a\":1}\n``` tail"
	s := StripDecoration(decorated)
	if StripDecoration(s) != s {
		t.Errorf("StripDecoration not idempotent: %q", s)
	}
	e := ExtractObject(s)
	if ExtractObject(e) != e {
		t.Errorf("ExtractObject not idempotent: %q", e)
	}
	if e != `{"a":1}` {
		t.Errorf("unexpected extracted object %q", e)
	}
}
