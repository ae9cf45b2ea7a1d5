package detector

import "testing"

func TestDetectVendorByShape(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"bambu", map[string]any{"print": map[string]any{"gcode_state": "RUNNING"}}, VendorBambu},
		{"moonraker", map[string]any{"print_stats": map[string]any{"state": "printing"}}, VendorMoonraker},
		{"octoprint", map[string]any{"state": map[string]any{"text": "Printing", "flags": map[string]any{}}}, VendorOctoPrint},
		{"prusalink", map[string]any{"printer": map[string]any{"state": "PRINTING"}}, VendorPrusaLink},
		{"snmp", map[string]any{"sysDescr": "Bambu Lab X1C"}, VendorSNMP},
		{"unknown", map[string]any{"foo": "bar"}, VendorGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectVendor(tt.payload); got != tt.want {
				t.Fatalf("DetectVendor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectBrand(t *testing.T) {
	if got := DetectBrand("Original Prusa MK4 firmware 6.0"); got != "Prusa" {
		t.Fatalf("DetectBrand = %q, want Prusa", got)
	}
	if got := DetectBrand("Linux embedded"); got != "Generic" {
		t.Fatalf("DetectBrand = %q, want Generic", got)
	}
}
