package config

// Sensor kinds accepted in the venue document.
const (
	SensorDepthCamera = "depth_camera"
	SensorLidar       = "lidar"
	SensorTouchArray  = "touch_array"
)

// Sensor capabilities. A zone input feature requires exactly one of these,
// and a sensor provides a fixed set of them.
const (
	CapPosition    = "position"
	CapOrientation = "orientation"
	CapGesture     = "gesture"
	CapTouch       = "touch"
)

// Zone kinds.
const (
	ZoneGradient  = "gradient"
	ZoneProximity = "proximity"
	ZoneAmbient   = "ambient"
)

// Input features a parameter binding may read. Body features produce one
// contribution per occupying body; zone features produce one per zone.
const (
	InputProximity        = "proximity"
	InputGradientPosition = "gradient_position"
	InputLateralPosition  = "lateral_position"
	InputSpeed            = "speed"
	InputFacing           = "facing"
	InputGestureActivity  = "gesture_activity"
	InputOccupancy        = "occupancy"
	InputOccupancyCount   = "occupancy_count"
	InputAverageVelocity  = "average_velocity"
	InputTimeOccupied     = "time_occupied"
	InputGroupDensity     = "group_density"
	InputTouchIntensity   = "touch_intensity"
)

// InputSpec describes how an input feature is produced.
type InputSpec struct {
	PerBody  bool
	Requires string
}

// InputFeatures maps each known input feature to its requirements.
var InputFeatures = map[string]InputSpec{
	InputProximity:        {PerBody: true, Requires: CapPosition},
	InputGradientPosition: {PerBody: true, Requires: CapPosition},
	InputLateralPosition:  {PerBody: true, Requires: CapPosition},
	InputSpeed:            {PerBody: true, Requires: CapPosition},
	InputFacing:           {PerBody: true, Requires: CapOrientation},
	InputGestureActivity:  {PerBody: true, Requires: CapGesture},
	InputOccupancy:        {Requires: CapPosition},
	InputOccupancyCount:   {Requires: CapPosition},
	InputAverageVelocity:  {Requires: CapPosition},
	InputTimeOccupied:     {Requires: CapPosition},
	InputGroupDensity:     {Requires: CapPosition},
	InputTouchIntensity:   {Requires: CapTouch},
}

// Response curve types.
const (
	CurveLinear           = "linear"
	CurveLogarithmic      = "logarithmic"
	CurveExponentialDecay = "exponential_decay"
	CurveAsymptotic       = "asymptotic"
	CurveSlowDrift        = "slow_drift"
	CurveInvert           = "invert"
	CurveThreshold        = "threshold"
	CurvePower            = "power"
)

var curveTypes = map[string]bool{
	CurveLinear: true, CurveLogarithmic: true, CurveExponentialDecay: true, CurveAsymptotic: true,
	CurveSlowDrift: true, CurveInvert: true, CurveThreshold: true, CurvePower: true,
}

// Fade curves must rise monotonically from 0 to 1 over the fade.
var fadeCurves = map[string]bool{CurveLinear: true, CurveLogarithmic: true, CurvePower: true}

// Parameter reducers.
const (
	ReduceSumClamp        = "sum_clamp"
	ReduceMax             = "max"
	ReduceWeightedAverage = "weighted_average"
)

// Zone accumulator decay modes.
const (
	DecayImmediate = "immediate"
	DecayGradual   = "gradual"
)

// Failsafe policies a zone or binding can declare for lost inputs.
const (
	PolicyDegrade = "degrade"
	PolicyDrift   = "drift"
)

// Output bus backpressure policies.
const (
	DropOldest = "drop_oldest"
	DropNewest = "drop_newest"
)

var sensorCapabilities = map[string][]string{
	SensorDepthCamera: {CapPosition, CapOrientation, CapGesture},
	SensorLidar:       {CapPosition},
	SensorTouchArray:  {CapTouch},
}

var sensorRates = map[string]float64{
	SensorDepthCamera: 30,
	SensorLidar:       20,
	SensorTouchArray:  60,
}

func knownCapability(c string) bool {
	return c == CapPosition || c == CapOrientation || c == CapGesture || c == CapTouch
}
