package detector

import (
	"strings"
)

// Vendor tags que entiende el normalizer.
const (
	VendorBambu     = "bambu"
	VendorMoonraker = "moonraker"
	VendorOctoPrint = "octoprint"
	VendorPrusaLink = "prusalink"
	VendorSNMP      = "snmp"
	VendorGeneric   = "generic"
)

// DetectBrand detecta la marca de una impresora basándose en sysDescr
func DetectBrand(sysDescr string) string {
	descLower := strings.ToLower(sysDescr)

	// Bambu Lab
	if matchesPatterns(descLower, []string{"bambu", "x1-carbon", "x1c", "p1s", "p1p", "a1 mini"}) {
		return "Bambu"
	}

	// Prusa
	if matchesPatterns(descLower, []string{"prusa", "mk4", "mk3", "mini+"}) {
		return "Prusa"
	}

	// Creality
	if matchesPatterns(descLower, []string{"creality", "ender", "k1 max", "cr-"}) {
		return "Creality"
	}

	// Ultimaker
	if matchesPatterns(descLower, []string{"ultimaker"}) {
		return "Ultimaker"
	}

	// Klipper / Voron
	if matchesPatterns(descLower, []string{"klipper", "voron", "moonraker"}) {
		return "Klipper"
	}

	// Formlabs
	if matchesPatterns(descLower, []string{"formlabs", "form 3", "form 4"}) {
		return "Formlabs"
	}

	// Generic / Unknown
	return "Generic"
}

// matchesPatterns verifica si descLower contiene alguno de los patrones
func matchesPatterns(descLower string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(descLower, pattern) {
			return true
		}
	}
	return false
}

// DetectVendor infiere el vendor tag por la forma del payload cuando el
// transporte no lo declara.
func DetectVendor(payload map[string]any) string {
	if print, ok := payload["print"].(map[string]any); ok {
		if _, ok := print["gcode_state"]; ok {
			return VendorBambu
		}
		if _, ok := print["mc_percent"]; ok {
			return VendorBambu
		}
	}

	if _, ok := payload["print_stats"]; ok {
		return VendorMoonraker
	}
	if _, ok := payload["virtual_sdcard"]; ok {
		return VendorMoonraker
	}

	if state, ok := payload["state"].(map[string]any); ok {
		if _, ok := state["flags"]; ok {
			return VendorOctoPrint
		}
	}

	if printer, ok := payload["printer"].(map[string]any); ok {
		if _, ok := printer["state"]; ok {
			return VendorPrusaLink
		}
	}

	if _, ok := payload["sysDescr"]; ok {
		return VendorSNMP
	}
	if _, ok := payload["hrPrinterStatus"]; ok {
		return VendorSNMP
	}

	return VendorGeneric
}

// GetBrandConfidence retorna un valor de confianza (0-1) basado en qué tan específico fue el match
func GetBrandConfidence(sysDescr string, brand string) float64 {
	descLower := strings.ToLower(sysDescr)

	switch brand {
	case "Bambu":
		if strings.Contains(descLower, "bambu") {
			return 0.98
		}
	case "Prusa":
		if strings.Contains(descLower, "prusa") {
			return 0.97
		}
	case "Creality":
		if strings.Contains(descLower, "creality") {
			return 0.95
		}
	case "Klipper":
		if strings.Contains(descLower, "klipper") || strings.Contains(descLower, "moonraker") {
			return 0.90
		}
	case "Generic":
		return 0.50 // Baja confianza para Generic
	}

	return 0.75 // Confianza por defecto
}
