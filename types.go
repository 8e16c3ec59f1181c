//go:generate stringer -type=State -trimprefix=State
package btprobe

import (
	"fmt"
	"time"
)

// State denotes the subscription state of a single probe
type State int

const (

	// StateIdle is active while no connection to the probe is held or pending
	StateIdle State = iota

	// StateSubscribing is active while a connect / subscribe sequence is in flight
	StateSubscribing

	// StateSubscribed is active while probe status notifications are being received
	StateSubscribed
)

// ConnectionStatus denotes the current status of the connection to a probe
type ConnectionStatus struct {
	Address string
	Error   error
	State
}

// ProductType denotes the type of device sending an advertisement
type ProductType uint8

const (
	ProductTypeUnknown ProductType = iota
	ProductTypePredictiveProbe
	ProductTypeKitchenTimer
)

// Mode denotes the operating mode of the probe
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeInstantRead
	ModeReserved
	ModeError
)

// Colour denotes the colour of the probe housing
type Colour uint8

const (
	ColourYellow Colour = iota
	ColourGrey
	ColourUnknown
)

// BatteryStatus denotes the battery state reported by the probe
type BatteryStatus uint8

const (
	BatteryOK BatteryStatus = iota
	BatteryLow
)

// ProductIdentity identifies a physical device
type ProductIdentity struct {
	ProductType ProductType

	// Serial is the device serial in uppercase hex (8 characters)
	Serial string
}

// ProbeTemperatures holds the eight thermistor readings (T1 to T8, tip first) in °C
type ProbeTemperatures [8]float64

// T returns the n-th temperature (1-based, as printed on the probe)
func (p ProbeTemperatures) T(n int) float64 {
	return p[n-1]
}

// String fulfils the Stringer interface
func (p ProbeTemperatures) String() string {
	return fmt.Sprintf("T1: %.2f°C, T2: %.2f°C, T3: %.2f°C, T4: %.2f°C, T5: %.2f°C, T6: %.2f°C, T7: %.2f°C, T8: %.2f°C",
		p[0], p[1], p[2], p[3], p[4], p[5], p[6], p[7])
}

// VirtualSensors denotes the core, surface and ambient temperatures, each of which
// is selected from the raw temperatures by the probe itself
type VirtualSensors struct {
	Core    float64
	Surface float64
	Ambient float64
}

// Advertisement denotes a decoded manufacturer specific advertisement
type Advertisement struct {
	Identity        ProductIdentity
	RawTemperatures ProbeTemperatures
	Mode            Mode
	Colour          Colour
	ProbeID         uint8
	Battery         BatteryStatus
	VirtualSensors  VirtualSensors
}

// PredictionMode denotes the kind of prediction the probe is running
type PredictionMode uint8

const (
	PredictionModeNormal PredictionMode = iota
	PredictionModeTimeToRemoval
	PredictionModeRemovalAndResting
	PredictionModeReserved
)

// PredictionState denotes the progress of a prediction
type PredictionState uint8

const (
	PredictionStateProbeNotInserted PredictionState = iota
	PredictionStateProbeInserted
	PredictionStateWarming
	PredictionStatePredicting
	PredictionStateRemovalPredictionDone

	// PredictionStateOther covers all reserved and unknown state codes
	PredictionStateOther PredictionState = 0xff
)

// PredictionStatus denotes the prediction block of a probe status notification
type PredictionStatus struct {
	Mode  PredictionMode
	State PredictionState
	Type  uint8

	SetPointTemperature  float64
	HeatStartTemperature float64
	EstimatedCore        float64

	// PercentageToRemoval is the cook progress in [0, 1]
	PercentageToRemoval float64

	PredictionValueSeconds float64
}

// ProbeStatus denotes a decoded probe status notification
type ProbeStatus struct {
	MinSequence uint32
	MaxSequence uint32

	RawTemperatures ProbeTemperatures
	Mode            Mode
	Colour          Colour
	ProbeID         uint8
	Battery         BatteryStatus
	VirtualSensors  VirtualSensors

	Prediction PredictionStatus
}

// Device denotes a probe as seen by a coordinator
type Device struct {
	Address string
	ProductIdentity
	Colour  Colour
	ProbeID uint8
}

// Title returns a human readable name for the device
func (d Device) Title() string {
	return fmt.Sprintf("%s %s", productTypeLabel(d.ProductType), d.Serial)
}

// Source denotes the origin of a telemetry update
type Source string

const (
	SourceAdvertisement Source = "advertisement"
	SourceNotification  Source = "notification"
)

// Update denotes a set of measurements derived from a single advertisement or notification
type Update struct {
	Address      string
	Serial       string
	Source       Source
	TimeStamp    time.Time
	Measurements Measurements
}

// String fulfils the Stringer interface
func (u *Update) String() string {
	return fmt.Sprintf("%s/%s (%s): %s", u.Address, u.Serial, u.Source, u.Measurements)
}
