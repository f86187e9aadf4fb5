package canonicalize

import (
	"bytes"
	"encoding/json"
	"testing"
)

func FuzzTransform(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('x')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		if !json.Valid(data) {
			t.Skip("invalid JSON input")
		}

		b1, err := Transform(data)
		if err != nil {
			return
		}

		// Canonical output is a fixed point.
		b2, err := Transform(b1)
		if err != nil {
			t.Fatalf("canonical output rejected on second pass: %v", err)
		}
		if !bytes.Equal(b1, b2) {
			t.Errorf("not idempotent:\n  first:  %s\n  second: %s", b1, b2)
		}

		if !json.Valid(b1) {
			t.Errorf("output is not valid JSON: %s", b1)
		}
	})
}
