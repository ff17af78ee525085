package amount

import "testing"

func TestParseBaseUnits(t *testing.T) {
	v, err := ParseBaseUnits("1000000")
	if err != nil || v.Int64() != 1000000 {
		t.Fatalf("expected 1000000, got %v err=%v", v, err)
	}
	if _, err := ParseBaseUnits("-5"); err == nil {
		t.Fatal("expected rejection of negative amount")
	}
	if _, err := ParseBaseUnits("1.5"); err == nil {
		t.Fatal("expected rejection of fractional base units")
	}
	if _, err := ParseBaseUnits(""); err == nil {
		t.Fatal("expected rejection of empty amount")
	}
}

func TestParseUnits(t *testing.T) {
	v, err := ParseUnits("1.25", 6)
	if err != nil || v.Int64() != 1250000 {
		t.Fatalf("expected 1250000, got %v err=%v", v, err)
	}
	if _, err := ParseUnits("1.2345678", 6); err == nil {
		t.Fatal("expected rejection of excess precision")
	}
	if _, err := ParseUnits("-1", 6); err == nil {
		t.Fatal("expected rejection of negative amount")
	}
}

func TestFormatUnits(t *testing.T) {
	v, _ := ParseBaseUnits("1250000")
	if got := FormatUnits(v, 6); got != "1.25" {
		t.Fatalf("expected 1.25, got %s", got)
	}
	zero, _ := ParseBaseUnits("0")
	if got := FormatUnits(zero, 6); got != "0" {
		t.Fatalf("expected 0, got %s", got)
	}
}
