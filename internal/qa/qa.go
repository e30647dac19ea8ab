// Package qa renders the source and converted scenes along the canonical
// camera path and scores the converted output frame by frame. The engine
// never retries: a QA verdict is deterministic for a given pair of scenes,
// so retrying can only waste converter time.
package qa

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/homewalk/tourforge/internal/contract"
	"github.com/homewalk/tourforge/internal/errs"
	"github.com/homewalk/tourforge/internal/imaging"
	"github.com/homewalk/tourforge/internal/phash"
	"github.com/homewalk/tourforge/internal/render"
	"github.com/homewalk/tourforge/internal/ssim"
)

// Frame is the per-pose comparison result.
type Frame struct {
	Index         int                 `json:"index"`
	Pose          contract.CameraPose `json:"pose"`
	SSIM          float64             `json:"ssim"`
	PHashDistance int                 `json:"phash_distance"`
	Passed        bool                `json:"passed"`
}

// Metrics aggregates the frame results.
type Metrics struct {
	AvgSSIM          float64 `json:"avg_ssim"`
	MinSSIM          float64 `json:"min_ssim"`
	MaxSSIM          float64 `json:"max_ssim"`
	AvgPHashDistance float64 `json:"avg_phash_distance"`
	FramesRendered   int     `json:"frames_rendered"`
	FramesPassed     int     `json:"frames_passed"`
	RenderElapsedMS  int64   `json:"render_elapsed_ms"`
}

// Report is the QA verdict for one conversion. PHash is the perceptual hash
// of converted frame 0 and is what the regression harness drifts against.
type Report struct {
	Passed       bool      `json:"passed"`
	Score        float64   `json:"score"`
	Frames       []Frame   `json:"frames"`
	Metrics      Metrics   `json:"metrics"`
	GeneratedAt  time.Time `json:"generated_at"`
	Mode         string    `json:"mode"`
	RendererInfo string    `json:"renderer_info,omitempty"`
	PHash        string    `json:"phash,omitempty"`
}

// Engine drives frame rendering and scoring. Source and Converted are
// separate so tests can degrade one side; production wires the same
// renderer into both.
type Engine struct {
	Source       render.Renderer
	Converted    render.Renderer
	Poses        []contract.CameraPose
	Parallelism  int
	Mode         string
	RendererInfo string
}

// NewEngine builds an engine rendering both scenes through the renderer
// selected by mode.
func NewEngine(mode string, seed uint64, parallelism int) *Engine {
	r := render.New(mode, seed)
	return &Engine{
		Source:      r,
		Converted:   r,
		Parallelism: parallelism,
		Mode:        mode,
	}
}

// Run scores convertedScene against sourceScene. A report is returned
// whenever every frame rendered, passing or not; the error path is reserved
// for render and scoring failures.
func (e *Engine) Run(ctx context.Context, sourceScene, convertedScene render.Scene) (*Report, error) {
	poses := e.Poses
	if len(poses) == 0 {
		poses = contract.CanonicalCameraPath()
	}
	limit := e.Parallelism
	if limit <= 0 || limit > runtime.NumCPU() {
		limit = runtime.NumCPU()
	}

	started := time.Now()
	frames := make([]Frame, len(poses))
	hashes := make([]string, len(poses))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, pose := range poses {
		g.Go(func() error {
			src, conv, err := e.renderPair(gctx, sourceScene, convertedScene, pose, i)
			if err != nil {
				return err
			}

			srcGray := imaging.ToGray(src)
			convGray := imaging.ToGray(conv)

			score := ssim.Score(srcGray, convGray)
			srcHash := phash.HashGray(imaging.Resize(srcGray, 32, 32))
			convHash := phash.HashGray(imaging.Resize(convGray, 32, 32))
			dist, err := phash.Distance(srcHash, convHash)
			if err != nil {
				return err
			}

			frames[i] = Frame{
				Index:         i,
				Pose:          pose,
				SSIM:          score,
				PHashDistance: dist,
				Passed:        score >= contract.MinSSIM && dist <= contract.MaxPHashDistance,
			}
			hashes[i] = convHash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Frames:       frames,
		GeneratedAt:  time.Now().UTC(),
		Mode:         e.Mode,
		RendererInfo: e.RendererInfo,
		PHash:        hashes[0],
	}
	report.Metrics = aggregate(frames, time.Since(started))
	report.Score = report.Metrics.AvgSSIM
	report.Passed = float64(report.Metrics.FramesPassed) >=
		contract.MinFramesPassedRatio*float64(report.Metrics.FramesRendered)
	return report, nil
}

// renderPair draws the same pose from both scenes concurrently.
func (e *Engine) renderPair(ctx context.Context, sourceScene, convertedScene render.Scene, pose contract.CameraPose, index int) (image.Image, image.Image, error) {
	var src, conv image.Image
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		src, err = e.Source.Frame(gctx, sourceScene, pose, index)
		if err != nil {
			return errs.Rendering(fmt.Sprintf("source frame %d", index), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		conv, err = e.Converted.Frame(gctx, convertedScene, pose, index)
		if err != nil {
			return errs.Rendering(fmt.Sprintf("converted frame %d", index), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return src, conv, nil
}

func aggregate(frames []Frame, elapsed time.Duration) Metrics {
	m := Metrics{
		FramesRendered:  len(frames),
		RenderElapsedMS: elapsed.Milliseconds(),
	}
	if len(frames) == 0 {
		return m
	}
	m.MinSSIM = frames[0].SSIM
	m.MaxSSIM = frames[0].SSIM
	var sumSSIM, sumDist float64
	for _, f := range frames {
		sumSSIM += f.SSIM
		sumDist += float64(f.PHashDistance)
		if f.SSIM < m.MinSSIM {
			m.MinSSIM = f.SSIM
		}
		if f.SSIM > m.MaxSSIM {
			m.MaxSSIM = f.SSIM
		}
		if f.Passed {
			m.FramesPassed++
		}
	}
	m.AvgSSIM = sumSSIM / float64(len(frames))
	m.AvgPHashDistance = sumDist / float64(len(frames))
	return m
}

// Summary is the one-line log form of a report.
func (r *Report) Summary() string {
	return fmt.Sprintf("passed=%v score=%.4f frames=%d/%d mode=%s",
		r.Passed, r.Score, r.Metrics.FramesPassed, r.Metrics.FramesRendered, r.Mode)
}
