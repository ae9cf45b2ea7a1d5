package transport

// NamedOID es un OID con el nombre que usa como clave en el payload.
type NamedOID struct {
	Name string
	OID  string
}

// OIDs estándar (HOST-RESOURCES-MIB, Printer-MIB RFC 3805) que expone
// la mayoría de impresoras 3D con agente SNMP.
const (
	SysDescr        = "1.3.6.1.2.1.1.1.0"
	SysUpTime       = "1.3.6.1.2.1.1.3.0"
	SysName         = "1.3.6.1.2.1.1.5.0"
	SysLocation     = "1.3.6.1.2.1.1.6.0"
	HrDeviceDescr   = "1.3.6.1.2.1.25.3.2.1.3.1"
	HrDeviceStatus  = "1.3.6.1.2.1.25.3.2.1.5.1"
	HrPrinterStatus = "1.3.6.1.2.1.25.3.5.1.1.1"
	HrPrinterErrors = "1.3.6.1.2.1.25.3.5.1.2.1"
	SerialNumber    = "1.3.6.1.2.1.43.5.1.1.17.1"
	ConsoleDisplay  = "1.3.6.1.2.1.43.16.5.1.2.1.1"
)

// DefaultOIDs es el set que consulta el poller en cada tick.
var DefaultOIDs = []NamedOID{
	{Name: "sysDescr", OID: SysDescr},
	{Name: "sysUpTime", OID: SysUpTime},
	{Name: "sysName", OID: SysName},
	{Name: "sysLocation", OID: SysLocation},
	{Name: "hrDeviceDescr", OID: HrDeviceDescr},
	{Name: "hrDeviceStatus", OID: HrDeviceStatus},
	{Name: "hrPrinterStatus", OID: HrPrinterStatus},
	{Name: "hrPrinterDetectedErrorState", OID: HrPrinterErrors},
	{Name: "prtGeneralSerialNumber", OID: SerialNumber},
	{Name: "prtConsoleDisplayBufferText", OID: ConsoleDisplay},
}

// ExtractOIDs extrae solo los OIDs de una lista de NamedOID
func ExtractOIDs(named []NamedOID) []string {
	result := make([]string, len(named))
	for i, n := range named {
		result[i] = n.OID
	}
	return result
}
