// Package render defines the frame renderer the QA engine draws through.
// Two implementations exist: a deterministic mock for tests and CI, and the
// real GPU path, which stays a stub here because it needs hardware this
// binary cannot assume.
package render

import (
	"context"
	"image"
	"os"

	"github.com/homewalk/tourforge/internal/contract"
	"github.com/homewalk/tourforge/internal/errs"
)

// Renderer rasterizes one frame of a scene from a camera pose. Output must
// be deterministic for a given (scene, pose, index) so QA scores are
// reproducible.
type Renderer interface {
	Frame(ctx context.Context, scene Scene, pose contract.CameraPose, index int) (image.Image, error)
}

// Scene is an opaque handle to renderable content.
type Scene struct {
	Path  string
	Label string
}

// Render modes.
const (
	ModeMock = "mock"
	ModeReal = "real"
)

// ModeFromEnv reads RENDER_MODE. Anything other than "real" selects the
// mock; the chosen mode is recorded in every QA report.
func ModeFromEnv() string {
	if os.Getenv("RENDER_MODE") == ModeReal {
		return ModeReal
	}
	return ModeMock
}

// New returns the renderer for mode.
func New(mode string, seed uint64) Renderer {
	if mode == ModeReal {
		return Real{}
	}
	return Mock{Seed: seed}
}

// Real is the GPU-backed renderer. The contract is fixed (same signature,
// same 256x256 output, deterministic per scene+pose+index) but the rasterizer
// itself is not part of this binary.
type Real struct{}

func (Real) Frame(ctx context.Context, scene Scene, pose contract.CameraPose, index int) (image.Image, error) {
	return nil, errs.Unexpected("real renderer not built into this binary", nil)
}
