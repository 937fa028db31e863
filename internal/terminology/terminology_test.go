package terminology

import "testing"

func TestNormalizeUnit(t *testing.T) {
	cases := map[string]string{
		"gm/dl":       "g/dL",
		"G/DL":        "g/dL",
		"mill/cumm":   "mill/cmm",
		"million/mm3": "mill/cmm",
		"FL":          "fL",
		"[H] pg":      "pg",
		"":            "",
	}
	for in, want := range cases {
		if got := NormalizeUnit(in); got != want {
			t.Fatalf("NormalizeUnit(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	if got := NormalizeName("* M.C.H.2c"); got != "M.C.H.C." {
		t.Fatalf("NormalizeName mangled-mchc = %q", got)
	}
	if got := NormalizeName("# IMPATURE Platelet Fraction"); got != "IMMATURE Platelet Fraction" {
		t.Fatalf("NormalizeName impature typo = %q", got)
	}
}

func TestInferUnitByName(t *testing.T) {
	if got := InferUnitByName("Haemoglobin"); got != "g/dL" {
		t.Fatalf("InferUnitByName(Haemoglobin) = %q", got)
	}
	if got := InferUnitByName("Platelet Count"); got != "/uL" {
		t.Fatalf("InferUnitByName(Platelet Count) = %q", got)
	}
	if got := InferUnitByName("M.P.V."); got != "fL" {
		t.Fatalf("InferUnitByName(M.P.V.) = %q", got)
	}
	if got := InferUnitByName("Neutrophils"); got != "%" {
		t.Fatalf("InferUnitByName(Neutrophils) = %q", got)
	}
}

func TestSplitValueUnit(t *testing.T) {
	value, unit, flag, ok := SplitValueUnit("[H] 18.2 g/dL")
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if value != 18.2 {
		t.Fatalf("expected value 18.2, got %v", value)
	}
	if unit != "g/dL" {
		t.Fatalf("expected unit g/dL, got %q", unit)
	}
	if flag != "H" {
		t.Fatalf("expected flag H, got %q", flag)
	}
}

func TestExtractJSONCandidate(t *testing.T) {
	text := "Sure, here you go:\n```json\n{\"a\": {\"b\": 1}}\n```\ntrailing text"
	got := ExtractJSONCandidate(text)
	if got != `{"a": {"b": 1}}` {
		t.Fatalf("ExtractJSONCandidate = %q", got)
	}
}

func TestNormalizeDate(t *testing.T) {
	if got := NormalizeDate("2026-01-15"); got != "2026-01-15" {
		t.Fatalf("NormalizeDate valid = %q", got)
	}
	if got := NormalizeDate("15/01/2026"); got != "" {
		t.Fatalf("NormalizeDate non-iso should be dropped, got %q", got)
	}
}
