package ltc4015

const (
	// 7-bit I2C address (1101_000b).
	AddressDefault = 0x68

	// CONFIG_BITS (0x14)
	cfgSuspendCharger = 1 << 8
	cfgForceMeasSysOn = 1 << 4

	// SYSTEM_STATUS (0x39)
	sysChargerEnabled = 1 << 13

	// 16-bit word registers.
	regConfigBits   = 0x14 // R/W
	regChargerState = 0x34 // R
	regSystemStatus = 0x39 // R
	regVBAT         = 0x3A // R
	regIBAT         = 0x3D // R
	regDieTemp      = 0x3F // R
	regChemCells    = 0x43 // R
)

// Scale factors from the datasheet.
const (
	vbatLithium_nV  = 192264  // per cell, per LSB
	vbatLeadAcid_nV = 128176  // per cell, per LSB
	ibat_pV         = 1464870 // across RSNSB, per LSB
	dieTempOffset   = 12010
	dieTempScale    = 456 // LSB per 10 °C
)
