// Package contract freezes the values shared between this pipeline, stored
// quality baselines, and any other implementation that renders QA frames.
// The pose list and thresholds are wire contract, not configuration: every
// stored baseline references poses by index, so reordering or editing this
// list invalidates all of them.
package contract

// CameraPose is a fixed viewpoint on the canonical QA camera path.
// Coordinates are scene units, pitch/yaw degrees.
type CameraPose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// QA thresholds. A frame passes when SSIM >= MinSSIM and its perceptual-hash
// distance <= MaxPHashDistance; a run passes when the passed-frame ratio
// reaches MinFramesPassedRatio.
const (
	MinSSIM              = 0.85
	MaxPHashDistance     = 10
	MinFramesPassedRatio = 0.80
)

// canonicalCameraPath is the frozen 10-pose QA path: 8 poses on a horizontal
// ring (radius 4, eye height 1.5, stepping 45 degrees) plus 2 elevated poses
// looking down at the scene center. Values are literals on purpose; nothing
// here may be recomputed at runtime.
var canonicalCameraPath = [10]CameraPose{
	{X: 4, Y: 1.5, Z: 0, Pitch: 0, Yaw: 180},
	{X: 2.8284271247461903, Y: 1.5, Z: 2.8284271247461903, Pitch: 0, Yaw: 225},
	{X: 0, Y: 1.5, Z: 4, Pitch: 0, Yaw: 270},
	{X: -2.8284271247461903, Y: 1.5, Z: 2.8284271247461903, Pitch: 0, Yaw: 315},
	{X: -4, Y: 1.5, Z: 0, Pitch: 0, Yaw: 0},
	{X: -2.8284271247461903, Y: 1.5, Z: -2.8284271247461903, Pitch: 0, Yaw: 45},
	{X: 0, Y: 1.5, Z: -4, Pitch: 0, Yaw: 90},
	{X: 2.8284271247461903, Y: 1.5, Z: -2.8284271247461903, Pitch: 0, Yaw: 135},
	{X: 3, Y: 4, Z: 3, Pitch: -30, Yaw: 225},
	{X: -3, Y: 4, Z: -3, Pitch: -30, Yaw: 45},
}

// CanonicalCameraPath returns a copy of the frozen pose list. Callers get a
// fresh slice every time so the contract cannot be mutated through it.
func CanonicalCameraPath() []CameraPose {
	poses := make([]CameraPose, len(canonicalCameraPath))
	copy(poses, canonicalCameraPath[:])
	return poses
}

// PoseCount is the length of the canonical camera path.
const PoseCount = len(canonicalCameraPath)
