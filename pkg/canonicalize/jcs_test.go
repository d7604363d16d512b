package canonicalize

import (
	"testing"
)

func TestCanonical_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// Standard encoding/json escapes <, > and &. RFC 8785 forbids that.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Canonical(input)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestHash_KeyOrderIndependence(t *testing.T) {
	// Struct field order must not influence the digest.
	type A struct {
		X int    `json:"x"`
		Y string `json:"y"`
	}
	type B struct {
		Y string `json:"y"`
		X int    `json:"x"`
	}

	h1, err := Hash(A{X: 7, Y: "seven"})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := Hash(B{Y: "seven", X: 7})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("digest depends on declaration order: %s vs %s", h1, h2)
	}
}

func TestFingerprint_Prefix(t *testing.T) {
	fp, err := Fingerprint(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if len(fp) != len(FingerprintPrefix)+64 {
		t.Errorf("unexpected fingerprint length: %d (%s)", len(fp), fp)
	}
	if Strip(fp) == fp {
		t.Errorf("Strip did not remove prefix from %s", fp)
	}
	if FingerprintPrefix+Strip(fp) != fp {
		t.Errorf("Strip roundtrip mismatch for %s", fp)
	}
}

func TestFingerprintBytes_MatchesHashBytes(t *testing.T) {
	data := []byte(`{"anchor":"panasonic-exit-plasma-2012"}`)
	if FingerprintBytes(data) != FingerprintPrefix+HashBytes(data) {
		t.Error("FingerprintBytes and HashBytes disagree")
	}
}

func TestStrip_Unprefixed(t *testing.T) {
	if Strip("deadbeef") != "deadbeef" {
		t.Error("Strip mangled unprefixed input")
	}
}
