package btprobe

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

const (

	// ManufacturerID is the Bluetooth SIG company identifier of the probe vendor
	ManufacturerID uint16 = 2503

	// AdvertisementMinLength is the minimum length of the manufacturer specific data
	AdvertisementMinLength = 20

	// ProbeStatusMinLength is the minimum length of a probe status notification
	ProbeStatusMinLength = 30

	// PredictionStatusLength is the length of the packed prediction status block
	PredictionStatusLength = 7

	// ProbeStatusService is the service carrying the probe status characteristic
	ProbeStatusService = "00000100-CAAB-3792-3D44-97AE51C1407A"

	// ProbeStatusCharacteristic is the characteristic probe status notifications are sent on
	ProbeStatusCharacteristic = "00000101-CAAB-3792-3D44-97AE51C1407A"

	rawTemperatureLength = 13
)

var (

	// ErrTooShort is returned if a buffer is shorter than the layout requires
	ErrTooShort = errors.New("buffer too short")

	// ErrInvalidEnum is returned if a field is present but holds an undefined value
	ErrInvalidEnum = errors.New("invalid enum value")

	// ErrInvalidMode is returned for an undefined probe mode
	ErrInvalidMode = fmt.Errorf("%w: mode", ErrInvalidEnum)

	// ErrInvalidBattery is returned for an undefined battery status
	ErrInvalidBattery = fmt.Errorf("%w: battery status", ErrInvalidEnum)
)

// DecodeAdvertisement decodes the manufacturer specific data of a probe advertisement
// (without the leading company identifier)
func DecodeAdvertisement(data []byte) (*Advertisement, error) {
	if len(data) < AdvertisementMinLength {
		return nil, fmt.Errorf("%w: advertisement (want >= %d, have %d)", ErrTooShort, AdvertisementMinLength, len(data))
	}

	temps := parseRawTemperatures(data[5:18])

	mode, colour, probeID, err := parseModeAndID(data[18])
	if err != nil {
		return nil, err
	}
	battery, virtualSensors, err := parseBatteryAndVirtualSensors(data[19], temps)
	if err != nil {
		return nil, err
	}

	return &Advertisement{
		Identity: ProductIdentity{
			ProductType: parseProductType(data[0]),
			Serial:      parseSerial(data[1:5]),
		},
		RawTemperatures: temps,
		Mode:            mode,
		Colour:          colour,
		ProbeID:         probeID,
		Battery:         battery,
		VirtualSensors:  virtualSensors,
	}, nil
}

// DecodeProbeStatus decodes a probe status notification
func DecodeProbeStatus(data []byte) (*ProbeStatus, error) {
	if len(data) < ProbeStatusMinLength {
		return nil, fmt.Errorf("%w: probe status (want >= %d, have %d)", ErrTooShort, ProbeStatusMinLength, len(data))
	}

	temps := parseRawTemperatures(data[8:21])

	mode, colour, probeID, err := parseModeAndID(data[21])
	if err != nil {
		return nil, err
	}
	battery, virtualSensors, err := parseBatteryAndVirtualSensors(data[22], temps)
	if err != nil {
		return nil, err
	}
	prediction, err := DecodePredictionStatus(data[23:30])
	if err != nil {
		return nil, err
	}

	return &ProbeStatus{
		MinSequence:     binary.LittleEndian.Uint32(data[0:4]),
		MaxSequence:     binary.LittleEndian.Uint32(data[4:8]),
		RawTemperatures: temps,
		Mode:            mode,
		Colour:          colour,
		ProbeID:         probeID,
		Battery:         battery,
		VirtualSensors:  virtualSensors,
		Prediction:      prediction,
	}, nil
}

// DecodePredictionStatus decodes the packed 7-byte prediction status block
func DecodePredictionStatus(data []byte) (PredictionStatus, error) {
	if len(data) < PredictionStatusLength {
		return PredictionStatus{}, fmt.Errorf("%w: prediction status (want >= %d, have %d)", ErrTooShort, PredictionStatusLength, len(data))
	}

	// The block is a little-endian bit field, widen it to 64 bits
	var raw [8]byte
	copy(raw[:], data[:PredictionStatusLength])
	v := binary.LittleEndian.Uint64(raw[:])

	status := PredictionStatus{
		State:                  parsePredictionState(uint8(v & 0x0f)),
		Mode:                   PredictionMode((v >> 4) & 0x03),
		Type:                   uint8((v >> 6) & 0x03),
		SetPointTemperature:    float64((v>>8)&0x3ff) * 0.1,
		HeatStartTemperature:   float64((v>>18)&0x3ff) * 0.1,
		PredictionValueSeconds: float64((v >> 28) & 0x1ffff),
		EstimatedCore:          float64((v>>45)&0x7ff)*0.1 - 20.0,
	}
	status.PercentageToRemoval = percentageToRemoval(status.HeatStartTemperature, status.SetPointTemperature, status.EstimatedCore)

	return status, nil
}

////////////////////////////////////////////////////////////////////////////////

func parseProductType(code byte) ProductType {
	switch ProductType(code) {
	case ProductTypePredictiveProbe:
		return ProductTypePredictiveProbe
	case ProductTypeKitchenTimer:
		return ProductTypeKitchenTimer
	}
	return ProductTypeUnknown
}

func parseSerial(data []byte) string {
	serial := slices.Clone(data)
	slices.Reverse(serial)
	return strings.ToUpper(hex.EncodeToString(serial))
}

// parseRawTemperatures extracts eight packed 13-bit counts from the 13-byte window
func parseRawTemperatures(data []byte) (temps ProbeTemperatures) {
	b := slices.Clone(data[:rawTemperatureLength])
	slices.Reverse(b)

	counts := [8]uint16{
		7: uint16(b[0])<<5 | uint16(b[1]&0xf8)>>3,
		6: uint16(b[1]&0x07)<<10 | uint16(b[2])<<2 | uint16(b[3]&0xc0)>>6,
		5: uint16(b[3]&0x3f)<<7 | uint16(b[4]&0xfe)>>1,
		4: uint16(b[4]&0x01)<<12 | uint16(b[5])<<4 | uint16(b[6]&0xf0)>>4,
		3: uint16(b[6]&0x0f)<<9 | uint16(b[7])<<1 | uint16(b[8]&0x80)>>7,
		2: uint16(b[8]&0x7f)<<6 | uint16(b[9]&0xfc)>>2,
		1: uint16(b[9]&0x03)<<11 | uint16(b[10])<<3 | uint16(b[11]&0xe0)>>5,
		0: uint16(b[11]&0x1f)<<8 | uint16(b[12]),
	}

	for i, count := range counts {
		temps[i] = toCelsius(count)
	}
	return
}

func parseModeAndID(b byte) (Mode, Colour, uint8, error) {
	mode, err := parseMode(b & 0x03)
	if err != nil {
		return 0, 0, 0, err
	}
	return mode, parseColour((b >> 2) & 0x07), (b >> 5) & 0x07, nil
}

func parseMode(code byte) (Mode, error) {
	if code > byte(ModeError) {
		return 0, fmt.Errorf("%w (code %d)", ErrInvalidMode, code)
	}
	return Mode(code), nil
}

// parseColour maps any undefined colour code to ColourUnknown (as opposed to the
// battery status, which fails on undefined codes)
func parseColour(code byte) Colour {
	switch Colour(code) {
	case ColourYellow:
		return ColourYellow
	case ColourGrey:
		return ColourGrey
	}
	return ColourUnknown
}

// parseBatteryStatus is only ever fed a single bit today, the error path guards
// against a wider encoding in future firmware
func parseBatteryStatus(code byte) (BatteryStatus, error) {
	switch BatteryStatus(code) {
	case BatteryOK:
		return BatteryOK, nil
	case BatteryLow:
		return BatteryLow, nil
	}
	return 0, fmt.Errorf("%w (code %d)", ErrInvalidBattery, code)
}

// parseBatteryAndVirtualSensors decodes the battery bit (bit 7) and the virtual sensor
// indices (bits 0-6: core 0-2, surface 3-4, ambient 5-6)
func parseBatteryAndVirtualSensors(b byte, temps ProbeTemperatures) (BatteryStatus, VirtualSensors, error) {
	battery, err := parseBatteryStatus((b >> 7) & 0x01)
	if err != nil {
		return 0, VirtualSensors{}, err
	}

	index := b & 0x7f
	return battery, VirtualSensors{
		Core: temps[index&0x07],

		// Surface is one of T4 - T7
		Surface: temps[(index>>3)&0x03+3],

		// Ambient is one of T5 - T8
		Ambient: temps[(index>>5)&0x03+4],
	}, nil
}

func parsePredictionState(code uint8) PredictionState {
	if code > uint8(PredictionStateRemovalPredictionDone) {
		return PredictionStateOther
	}
	return PredictionState(code)
}

func percentageToRemoval(heatStart, setPoint, core float64) float64 {
	if setPoint <= heatStart {
		if core >= setPoint {
			return 1
		}
		return 0
	}
	return math.Max(0, math.Min(1, (core-heatStart)/(setPoint-heatStart)))
}

func toCelsius(count uint16) float64 {
	return float64(count)*0.05 - 20.0
}
