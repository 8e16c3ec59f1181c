package btprobe

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Measurement keys
const (
	KeyInstantReadTemp    = "instant_read_temp"
	KeyCoreTemperature    = "core_temperature"
	KeySurfaceTemperature = "surface_temperature"
	KeyAmbientTemperature = "ambient_temperature"
	KeyBatteryStatus      = "battery_status"

	KeyCookingToTemp      = "cooking_to_temp"
	KeyPercentThroughCook = "percent_through_cook"
	KeyReadyInTime        = "ready_in_time"
	KeyPredictionStatus   = "prediction_status"
)

// Battery status labels
const (
	BatteryStatusOK      = "OK"
	BatteryStatusLow     = "Low"
	BatteryStatusUnknown = "Unknown"
)

// Prediction status labels
const (
	PredictionStatusPredicting    = "predicting"
	PredictionStatusNotInserted   = "not_inserted"
	PredictionStatusPending       = "pending"
	PredictionStatusInserted      = "inserted"
	PredictionStatusReady         = "ready"
	PredictionStatusNotPredicting = "not_predicting"
	PredictionStatusOther         = "other"
)

var batteryStatusLabels = map[BatteryStatus]string{
	BatteryOK:  BatteryStatusOK,
	BatteryLow: BatteryStatusLow,
}

var predictionStateLabels = map[PredictionState]string{
	PredictionStatePredicting:            PredictionStatusPredicting,
	PredictionStateProbeNotInserted:      PredictionStatusNotInserted,
	PredictionStateWarming:               PredictionStatusPending,
	PredictionStateProbeInserted:         PredictionStatusInserted,
	PredictionStateRemovalPredictionDone: PredictionStatusReady,
}

var productTypeLabels = map[ProductType]string{
	ProductTypePredictiveProbe: "Predictive Thermometer",
	ProductTypeKitchenTimer:    "Timer",
}

// TemperatureKey returns the measurement key of the n-th raw temperature (1-based)
func TemperatureKey(n int) string {
	return "t" + strconv.Itoa(n) + "_temperature"
}

type valueKind uint8

const (
	kindNull valueKind = iota
	kindNumber
	kindLabel
)

// Value denotes a single measurement: a number, an enum label or an explicit null
type Value struct {
	kind   valueKind
	number float64
	label  string
}

// Number returns a numeric measurement value
func Number(v float64) Value {
	return Value{kind: kindNumber, number: v}
}

// Label returns an enum label measurement value
func Label(s string) Value {
	return Value{kind: kindLabel, label: s}
}

// Null returns a measurement value that clears the measurement
func Null() Value {
	return Value{}
}

// Float returns the numeric value, if any
func (v Value) Float() (float64, bool) {
	return v.number, v.kind == kindNumber
}

// Label returns the label value, if any
func (v Value) Label() (string, bool) {
	return v.label, v.kind == kindLabel
}

// IsNull returns if the value is an explicit null
func (v Value) IsNull() bool {
	return v.kind == kindNull
}

// String fulfils the Stringer interface
func (v Value) String() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case kindLabel:
		return v.label
	}
	return "null"
}

// MarshalJSON fulfils the json.Marshaler interface
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNumber:
		return json.Marshal(v.number)
	case kindLabel:
		return json.Marshal(v.label)
	}
	return []byte("null"), nil
}

// Measurements maps measurement keys to values. A key that is not present means
// "no update" for that measurement.
type Measurements map[string]Value

// Merge applies an update on top of the measurements, keeping keys absent from the update
func (m Measurements) Merge(update Measurements) {
	maps.Copy(m, update)
}

// String fulfils the Stringer interface
func (m Measurements) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

// AdvertisementMeasurements maps a decoded advertisement to measurements
func AdvertisementMeasurements(a *Advertisement) Measurements {
	m := make(Measurements)

	if a.Mode == ModeInstantRead {
		m[KeyInstantReadTemp] = Number(a.RawTemperatures.T(1))
	} else {
		for i, t := range a.RawTemperatures {
			m[TemperatureKey(i+1)] = Number(t)
		}
		m[KeyCoreTemperature] = Number(a.VirtualSensors.Core)
		m[KeySurfaceTemperature] = Number(a.VirtualSensors.Surface)
		m[KeyAmbientTemperature] = Number(a.VirtualSensors.Ambient)
	}

	m[KeyBatteryStatus] = Label(batteryStatusLabel(a.Battery))

	return m
}

// PredictionMeasurements maps the prediction status of a notification to measurements
func PredictionMeasurements(p PredictionStatus) Measurements {
	if p.Mode != PredictionModeTimeToRemoval {
		return Measurements{
			KeyCookingToTemp:      Null(),
			KeyPercentThroughCook: Null(),
			KeyReadyInTime:        Null(),
			KeyPredictionStatus:   Label(PredictionStatusNotPredicting),
		}
	}

	m := Measurements{
		KeyCookingToTemp:      Number(p.SetPointTemperature),
		KeyPercentThroughCook: Number(p.PercentageToRemoval * 100),
		KeyReadyInTime:        Null(),
		KeyPredictionStatus:   Label(predictionStateLabel(p.State)),
	}
	if p.State == PredictionStatePredicting {
		m[KeyReadyInTime] = Number(p.PredictionValueSeconds)
	}

	return m
}

func batteryStatusLabel(b BatteryStatus) string {
	if label, ok := batteryStatusLabels[b]; ok {
		return label
	}
	return BatteryStatusUnknown
}

func predictionStateLabel(s PredictionState) string {
	if label, ok := predictionStateLabels[s]; ok {
		return label
	}
	return PredictionStatusOther
}

func productTypeLabel(p ProductType) string {
	if label, ok := productTypeLabels[p]; ok {
		return label
	}
	return "Unknown"
}
