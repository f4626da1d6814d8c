// Package ltc4015 provides a minimal TinyGo driver for the LTC4015
// multi-chemistry synchronous buck battery charger, exposed as a battery
// device.
//
// Design notes (datasheet references):
// • I2C/SMBus, 400kHz, read/write word protocol; data-low then data-high.
// • Default 7-bit address = 0b1101000.
// • Integer-only telemetry scaling (VBAT, IBAT, DIE_TEMP).
// • Charging is gated with CONFIG_BITS.suspend_charger.
// • IBAT is positive while charging; the battery device reports the opposite.
package ltc4015

import (
	"errors"
	"sync"

	"devicecore-go/errcode"

	"tinygo.org/x/drivers"
)

var ErrRSNSBUnset = errors.New("RSNSB_uOhm must be set (battery path sense)")

// ---------------- Types and configuration ----------------

type Chemistry uint8

const (
	ChemUnknown  Chemistry = iota
	ChemLithium            // VBAT LSB: 192.264 µV/cell
	ChemLeadAcid           // VBAT LSB: 128.176 µV/cell
)

type Config struct {
	Name       string // device name; "battery" when empty
	Address    uint16
	RSNSB_uOhm uint32
	Cells      uint8 // read from CHEM_CELLS at Init if 0
	Chem       Chemistry
}

type Device struct {
	name string

	mu    sync.Mutex // guards the bus buffers below
	i2c   drivers.I2C
	addr  uint16
	cells uint8
	chem  Chemistry

	rsnsB_uOhm uint32

	// Fixed buffers to avoid per-call heap allocations.
	w [3]byte
	r [2]byte
}

func New(i2c drivers.I2C, cfg Config) *Device {
	addr := cfg.Address
	if addr == 0 {
		addr = AddressDefault
	}
	chem := cfg.Chem
	if chem == ChemUnknown {
		chem = ChemLithium
	}
	name := cfg.Name
	if name == "" {
		name = "battery"
	}
	return &Device{
		name:       name,
		i2c:        i2c,
		addr:       addr,
		cells:      cfg.Cells,
		chem:       chem,
		rsnsB_uOhm: cfg.RSNSB_uOhm,
	}
}

// ---------------- Lifecycle ----------------

func (d *Device) Name() string { return d.name }

// Init turns the measurement system on and, if needed, learns the cell
// count and chemistry from the strap readback.
func (d *Device) Init() error {
	if d.rsnsB_uOhm == 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "ltc4015.init", Err: ErrRSNSBUnset}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cells == 0 {
		v, err := d.readWord(regChemCells)
		if err != nil {
			return errcode.Wrap(errcode.Failed, "ltc4015.init", err)
		}
		d.cells = uint8(v & 0x0F)
		if chem := (v >> 8) & 0x0F; chem >= 7 {
			d.chem = ChemLeadAcid
		}
	}
	if err := d.modify(regConfigBits, cfgForceMeasSysOn, 0); err != nil {
		return errcode.Wrap(errcode.Failed, "ltc4015.init", err)
	}
	return nil
}

func (d *Device) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modify(regConfigBits, 0, cfgForceMeasSysOn)
}

// Suspend stops forced measurements; charging continues under hardware
// control.
func (d *Device) Suspend() error { return d.Deinit() }

func (d *Device) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modify(regConfigBits, cfgForceMeasSysOn, 0)
}

// ---------------- Telemetry ----------------

func (d *Device) Cells() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cells
}

// Battery_mVPerCell returns the cell voltage in mV.
func (d *Device) Battery_mVPerCell() (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.readWord(regVBAT)
	if err != nil {
		return 0, err
	}
	// Li: 192,264 nV/LSB; Lead: 128,176 nV/LSB.
	nV := int64(vbatLithium_nV)
	if d.chem == ChemLeadAcid {
		nV = vbatLeadAcid_nV
	}
	uV := (int64(raw) * nV) / 1000 // nV → µV
	return int32(uV / 1000), nil   // µV → mV
}

// Ibat_mA returns the battery current in mA, positive while charging.
func (d *Device) Ibat_mA() (int32, error) {
	if d.rsnsB_uOhm == 0 {
		return 0, ErrRSNSBUnset
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.readS16(regIBAT)
	if err != nil {
		return 0, err
	}
	uA := (int64(raw) * ibat_pV) / int64(d.rsnsB_uOhm)
	return int32(uA / 1000), nil
}

func (d *Device) Die_mC() (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.readS16(regDieTemp)
	if err != nil {
		return 0, err
	}
	return int32((int64(raw) - dieTempOffset) * 10000 / dieTempScale), nil
}

// ChargerState returns the raw CHARGER_STATE word.
func (d *Device) ChargerState() (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readWord(regChargerState)
}

// ---------------- Battery device ----------------

// Voltage is the per-cell voltage in volts, the scale the battery
// coordinator's percentage range is expressed in.
func (d *Device) Voltage() (float64, error) {
	mV, err := d.Battery_mVPerCell()
	return float64(mV) / 1000, err
}

// Current is in mA, positive while discharging.
func (d *Device) Current() (float64, error) {
	mA, err := d.Ibat_mA()
	return float64(-mA), err
}

// Temperature is the die temperature in °C.
func (d *Device) Temperature() (float64, error) {
	mC, err := d.Die_mC()
	return float64(mC) / 1000, err
}

// Charging reports whether the charger is enabled and not suspended.
func (d *Device) Charging() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.readWord(regSystemStatus)
	if err != nil {
		return false, err
	}
	cfg, err := d.readWord(regConfigBits)
	if err != nil {
		return false, err
	}
	return st&sysChargerEnabled != 0 && cfg&cfgSuspendCharger == 0, nil
}

func (d *Device) EnableCharging() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modify(regConfigBits, 0, cfgSuspendCharger)
}

func (d *Device) DisableCharging() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modify(regConfigBits, cfgSuspendCharger, 0)
}
