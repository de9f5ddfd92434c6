package adi

// Library file names. The vendor code dlopens CoreADI by this name.
const (
	StoreServicesLibrary = "libstoreservicescore.so"
	CoreADILibrary       = "libCoreADI.so"
)

// Obfuscated entry points exported by libstoreservicescore.
const (
	ExportLoadLibraryWithPath = "kq56gsgHG6"
	ExportSetAndroidID        = "Sph98paBcz"
	ExportSetProvisioningPath = "nf92ngaK92"
	ExportGetLoginCode        = "aslgmuibau"
	ExportProvisioningStart   = "rsegvyrt87"
	ExportProvisioningEnd     = "uv5t6nhkui"
	ExportOTPRequest          = "qi864985u0"
)

// Export describes one ADI entry point.
type Export struct {
	Symbol string
	Name   string
}

// Exports lists the entry points a session binds, in resolution order.
var Exports = []Export{
	{ExportLoadLibraryWithPath, "ADILoadLibraryWithPath"},
	{ExportSetAndroidID, "ADISetAndroidID"},
	{ExportSetProvisioningPath, "ADISetProvisioningPath"},
	{ExportGetLoginCode, "ADIGetLoginCode"},
	{ExportProvisioningStart, "ADIProvisioningStart"},
	{ExportProvisioningEnd, "ADIProvisioningEnd"},
	{ExportOTPRequest, "ADIOTPRequest"},
}

func exportName(symbol string) string {
	for _, e := range Exports {
		if e.Symbol == symbol {
			return e.Name
		}
	}
	return symbol
}
