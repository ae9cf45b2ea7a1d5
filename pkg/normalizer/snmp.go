package normalizer

import (
	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/detector"
)

// SNMP mapea los valores que recoge el poller (HOST-RESOURCES-MIB y
// Printer-MIB), ya indexados por nombre de OID.
func SNMP() Rule {
	return &Mapping{
		Name: detector.VendorSNMP,
		Fields: []FieldRule{
			{Field: FieldJobName, Paths: []string{"prtJobName", "jobName"}},
		},
		Post: snmpPost,
	}
}

func snmpPost(b *Builder) {
	if raw, ok := b.Lookup("hrPrinterStatus"); ok {
		if status := DecodeStatus(raw); status != nil {
			b.Claim("hrPrinterStatus")
			if status.Lifecycle != canonical.LifecycleUnknown {
				b.SetLifecycle(status.Lifecycle)
			}
			b.SetExtra("hrPrinterStatus", canonical.StringValue(status.Meaning))
		} else if raw != nil {
			b.Malformed(FieldLifecycle, "hrPrinterStatus", raw, "not a status code")
		}
	}

	if raw, ok := b.Lookup("hrDeviceStatus"); ok {
		if status := DecodeDeviceStatus(raw); status != nil {
			b.Claim("hrDeviceStatus")
			if status.Lifecycle != canonical.LifecycleUnknown {
				b.SetLifecycle(status.Lifecycle)
			}
			b.SetExtra("hrDeviceStatus", canonical.StringValue(status.Meaning))
		} else if raw != nil {
			b.Malformed(FieldLifecycle, "hrDeviceStatus", raw, "not a status code")
		}
	}

	if raw, ok := b.Lookup("sysDescr"); ok {
		if descr, ok := toString(raw); ok {
			brand := detector.DetectBrand(descr)
			b.SetExtra("brand", canonical.StringValue(brand))
			b.SetExtra("brandConfidence", canonical.FloatValue(detector.GetBrandConfidence(descr, brand)))
		}
	}
}
