package invite

import (
	"testing"
	"time"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	inv := New("", "239.255.232.32:23232", 23232, DefaultExpiry)
	encoded, err := inv.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.GroupID != inv.GroupID || got.Destination != inv.Destination || got.Port != inv.Port {
		t.Errorf("Parse roundtrip = %+v, want %+v", got, inv)
	}
}

func TestParseRejectsMissingPrefix(t *testing.T) {
	if _, err := Parse("not-an-invite"); err == nil {
		t.Error("Parse should reject a string without the syncjams:// prefix")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	inv := New("group-1", "192.168.42.255:23232", 23232, -time.Minute)
	encoded, err := inv.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Parse(encoded); err == nil {
		t.Error("Parse should reject an already-expired invite")
	}
}

func TestNewGeneratesGroupIDWhenEmpty(t *testing.T) {
	inv := New("", "dest:1", 1, time.Hour)
	if inv.GroupID == "" {
		t.Error("New with empty groupID should mint one")
	}
}

func TestQRPNGProducesData(t *testing.T) {
	inv := New("group-1", "239.255.232.32:23232", 23232, time.Hour)
	png, err := inv.QRPNG()
	if err != nil {
		t.Fatalf("QRPNG: %v", err)
	}
	if len(png) == 0 {
		t.Error("QRPNG should produce non-empty PNG bytes")
	}
}
