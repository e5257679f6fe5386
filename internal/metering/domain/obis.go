package metering

// OBISCode identifies a measurand on a metering point.
type OBISCode string

// Electricity OBIS codes served by the Leneda platform.
const (
	OBISElectricityConsumption         OBISCode = "1-1:1.29.0"
	OBISElectricityProduction          OBISCode = "1-1:2.29.0"
	OBISElectricityConsumptionReactive OBISCode = "1-1:3.29.0"
	OBISElectricityProductionReactive  OBISCode = "1-1:4.29.0"
	OBISConsumptionCoveredLayer1       OBISCode = "1-65:1.29.1"
	OBISConsumptionRemainingAfterLayer OBISCode = "1-65:1.29.3"
)

// OBISInfo describes a known OBIS code. Unit is the native 15-minute
// reading unit, AggregatedUnit the unit of hourly aggregates.
type OBISInfo struct {
	Code           OBISCode
	Description    string
	Service        string
	Unit           string
	AggregatedUnit string
}

var obisRegistry = map[OBISCode]OBISInfo{
	OBISElectricityConsumption: {
		Code:           OBISElectricityConsumption,
		Description:    "Active energy consumed",
		Service:        "electricity",
		Unit:           "kW",
		AggregatedUnit: "kWh",
	},
	OBISElectricityProduction: {
		Code:           OBISElectricityProduction,
		Description:    "Active energy produced",
		Service:        "electricity",
		Unit:           "kW",
		AggregatedUnit: "kWh",
	},
	OBISElectricityConsumptionReactive: {
		Code:           OBISElectricityConsumptionReactive,
		Description:    "Reactive energy consumed",
		Service:        "electricity",
		Unit:           "kvar",
		AggregatedUnit: "kvarh",
	},
	OBISElectricityProductionReactive: {
		Code:           OBISElectricityProductionReactive,
		Description:    "Reactive energy produced",
		Service:        "electricity",
		Unit:           "kvar",
		AggregatedUnit: "kvarh",
	},
	OBISConsumptionCoveredLayer1: {
		Code:           OBISConsumptionCoveredLayer1,
		Description:    "Consumption covered by sharing group layer 1",
		Service:        "electricity",
		Unit:           "kW",
		AggregatedUnit: "kWh",
	},
	OBISConsumptionRemainingAfterLayer: {
		Code:           OBISConsumptionRemainingAfterLayer,
		Description:    "Remaining consumption after sharing",
		Service:        "electricity",
		Unit:           "kW",
		AggregatedUnit: "kWh",
	},
}

// Describe returns registry details for a code. Unknown codes are allowed
// (the platform adds measurands over time); callers get ok=false.
func Describe(code OBISCode) (OBISInfo, bool) {
	info, ok := obisRegistry[code]
	return info, ok
}

// KnownOBISCodes lists the codes in the registry.
func KnownOBISCodes() []OBISCode {
	codes := make([]OBISCode, 0, len(obisRegistry))
	for code := range obisRegistry {
		codes = append(codes, code)
	}
	return codes
}
