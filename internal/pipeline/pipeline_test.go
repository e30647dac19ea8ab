package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewalk/tourforge/internal/blobstore"
	"github.com/homewalk/tourforge/internal/contract"
	"github.com/homewalk/tourforge/internal/converter"
	"github.com/homewalk/tourforge/internal/digest"
	"github.com/homewalk/tourforge/internal/errs"
	"github.com/homewalk/tourforge/internal/provenance"
	"github.com/homewalk/tourforge/internal/qa"
	"github.com/homewalk/tourforge/internal/regression"
	"github.com/homewalk/tourforge/internal/render"
)

const testAssetID = "00000000-0000-4000-8000-000000000001"

func testService(t *testing.T) (*Service, *blobstore.Memory, *provenance.MemorySink) {
	t.Helper()
	store := blobstore.NewMemory()
	sink := provenance.NewMemorySink()
	svc := NewService(store, converter.Mock{}, qa.NewEngine(render.ModeMock, 7, 4), provenance.NewLedger(sink))
	svc.WorkRoot = t.TempDir()
	return svc, store, sink
}

func seedSource(store *blobstore.Memory) (string, []byte) {
	payload := bytes.Repeat([]byte("ply vertex splat data\n"), 64)
	key := blobstore.Key("NYC", testAssetID, "input.ply")
	store.PutBytes(key, payload)
	return key, payload
}

func TestServiceRunHappyPath(t *testing.T) {
	svc, store, sink := testService(t)
	key, payload := seedSource(store)

	res := svc.Run(context.Background(), ConversionJob{
		AssetID:          testAssetID,
		SourceKey:        key,
		Market:           "NYC",
		Iterations:       1000,
		QualityThreshold: 0.85,
	})

	require.Nil(t, res.Error)
	assert.True(t, res.OK)
	assert.Equal(t, "tours/NYC/"+testAssetID+"/output.sog", res.OutputKey)
	assert.Equal(t, digest.Bytes(payload), res.SourceDigest)
	assert.Equal(t, int64(len(payload)), res.SourceSize)
	assert.Equal(t, converter.MockVersion, res.ConverterVersion)
	assert.Equal(t, uint32(1000), res.Iterations)

	require.NotNil(t, res.QA)
	assert.True(t, res.QA.Passed)
	assert.GreaterOrEqual(t, res.QA.Score, 0.85)
	assert.Equal(t, render.ModeMock, res.QA.Mode)
	assert.Len(t, res.QA.Frames, contract.PoseCount)

	out := store.Bytes(res.OutputKey)
	require.NotNil(t, out)
	assert.Equal(t, []byte{0x53, 0x4F, 0x47, 0x00, 0x01, 0x00, 0x00, 0x00}, out[:8])
	assert.Equal(t, digest.Bytes(out), res.OutputDigest)
	assert.Equal(t, int64(len(out)), res.OutputSize)

	assert.Equal(t, render.ModeMock, res.Provenance.QAMode)
	assert.Equal(t, converter.ModeMock, res.Provenance.BinaryMode)
	assert.Equal(t, "production", res.Provenance.Environment)
	assert.False(t, res.Provenance.StartedAt.IsZero())
	assert.False(t, res.Provenance.CompletedAt.IsZero())

	var types []provenance.Type
	for _, rec := range sink.ByAsset(testAssetID) {
		types = append(types, rec.Type)
	}
	assert.Equal(t, []provenance.Type{
		provenance.TypeIntegrityCheck,
		provenance.TypeIntegrityCheck,
		provenance.TypeConversion,
		provenance.TypeQAPass,
	}, types)
}

func TestServiceRunIsDeterministic(t *testing.T) {
	svc, store, _ := testService(t)
	key, _ := seedSource(store)

	job := ConversionJob{AssetID: testAssetID, SourceKey: key, Market: "NYC", Iterations: 500}
	first := svc.Run(context.Background(), job)
	require.True(t, first.OK)
	second := svc.Run(context.Background(), job)
	require.True(t, second.OK)

	assert.Equal(t, first.SourceDigest, second.SourceDigest)
	assert.Equal(t, first.OutputDigest, second.OutputDigest)
	assert.Equal(t, first.QA.Frames, second.QA.Frames)
}

func TestServiceRunValidation(t *testing.T) {
	svc, _, _ := testService(t)

	res := svc.Run(context.Background(), ConversionJob{AssetID: "", SourceKey: "tours/NYC/x/input.ply", Market: "NYC"})

	require.NotNil(t, res.Error)
	assert.False(t, res.OK)
	assert.Equal(t, "validation", res.Error.Code)
	assert.False(t, res.Error.Retryable)
	assert.False(t, res.Retryable())
	assert.Nil(t, res.QA)
	assert.False(t, res.Provenance.CompletedAt.IsZero())
}

func TestServiceRunStageFailure(t *testing.T) {
	svc, _, _ := testService(t)

	res := svc.Run(context.Background(), ConversionJob{
		AssetID:   testAssetID,
		SourceKey: "tours/NYC/" + testAssetID + "/missing.ply",
		Market:    "NYC",
	})

	require.NotNil(t, res.Error)
	assert.Equal(t, "io", res.Error.Code)
	assert.True(t, res.Retryable())
	assert.Empty(t, res.SourceDigest)
}

type stubRunner struct {
	res *converter.RunResult
	err error
}

func (s stubRunner) Run(context.Context, converter.RunSpec) (*converter.RunResult, error) {
	return s.res, s.err
}

func (s stubRunner) Version(context.Context) string { return "splat-transform 2.5.1" }

func TestServiceRunConverterFailure(t *testing.T) {
	svc, store, _ := testService(t)
	key, payload := seedSource(store)
	svc.Converter = stubRunner{
		res: &converter.RunResult{ExitCode: 70, BinaryMode: "local", BinaryPath: "/usr/local/bin/splat-transform"},
		err: errs.ConverterFailed("70", "converter exited 70: bad ply header", false, nil),
	}

	res := svc.Run(context.Background(), ConversionJob{AssetID: testAssetID, SourceKey: key, Market: "NYC"})

	require.NotNil(t, res.Error)
	assert.Equal(t, "converter_failed", res.Error.Code)
	assert.False(t, res.Error.Retryable)
	assert.Equal(t, "70", res.Error.Details)
	// Measurements taken before the failing step survive.
	assert.Equal(t, digest.Bytes(payload), res.SourceDigest)
	assert.Equal(t, "local", res.Provenance.BinaryMode)
	assert.Empty(t, res.OutputDigest)
}

// invertSome flips the listed frame indexes to their photographic negative
// so those frames score near zero while the rest stay identical.
type invertSome struct {
	inner render.Renderer
	bad   map[int]bool
}

func (r invertSome) Frame(ctx context.Context, scene render.Scene, pose contract.CameraPose, index int) (image.Image, error) {
	img, err := r.inner.Frame(ctx, scene, pose, index)
	if err != nil || !r.bad[index] {
		return img, err
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			out.SetRGBA(x, y, color.RGBA{R: 255 - c.R, G: 255 - c.G, B: 255 - c.B, A: 255})
		}
	}
	return out, nil
}

func TestServiceRunCoercesPassingReportBelowThreshold(t *testing.T) {
	svc, store, _ := testService(t)
	key, _ := seedSource(store)

	// Exactly 2 of 10 frames ruined: the 0.80 pass ratio still holds, but
	// the average drops to ~0.80, under the job threshold.
	svc.QA.Converted = invertSome{inner: render.Mock{Seed: 7}, bad: map[int]bool{3: true, 7: true}}

	res := svc.Run(context.Background(), ConversionJob{
		AssetID:          testAssetID,
		SourceKey:        key,
		Market:           "NYC",
		QualityThreshold: 0.85,
	})

	require.NotNil(t, res.Error)
	assert.Equal(t, "qa_failed", res.Error.Code)
	assert.False(t, res.Retryable())

	require.NotNil(t, res.QA)
	assert.True(t, res.QA.Passed, "report itself passed on frame ratio")
	assert.Less(t, res.QA.Score, 0.85)
	assert.NotEmpty(t, res.OutputDigest)
	assert.Empty(t, res.OutputKey, "nothing published on QA failure")
	assert.Nil(t, store.Bytes(blobstore.OutputKey("NYC", testAssetID)))
}

func TestServiceRunQAFrameFailure(t *testing.T) {
	svc, store, _ := testService(t)
	key, _ := seedSource(store)
	// Disjoint seeds make every frame pair differ.
	svc.QA.Converted = render.Mock{Seed: 99}

	res := svc.Run(context.Background(), ConversionJob{AssetID: testAssetID, SourceKey: key, Market: "NYC"})

	require.NotNil(t, res.Error)
	assert.Equal(t, "qa_failed", res.Error.Code)
	require.NotNil(t, res.QA)
	assert.False(t, res.QA.Passed)
}

type putFailStore struct {
	blobstore.Store
	err error
}

func (s putFailStore) Put(context.Context, string, string) error { return s.err }

func TestServiceRunPublishFailure(t *testing.T) {
	svc, store, _ := testService(t)
	key, _ := seedSource(store)
	svc.Store = putFailStore{Store: store, err: errors.New("upstream 500")}

	res := svc.Run(context.Background(), ConversionJob{AssetID: testAssetID, SourceKey: key, Market: "NYC"})

	require.NotNil(t, res.Error)
	assert.Equal(t, "io", res.Error.Code)
	assert.True(t, res.Retryable())
	// The conversion itself succeeded; only publication failed.
	require.NotNil(t, res.QA)
	assert.True(t, res.QA.Passed)
	assert.NotEmpty(t, res.OutputDigest)
}

func flipHex(s string) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = digits[15-strings.IndexByte(digits, s[i])]
	}
	return string(out)
}

func TestServiceRunAttachesRegressionWithoutGating(t *testing.T) {
	svc, store, _ := testService(t)
	key, _ := seedSource(store)

	// Learn the deterministic report hash, then install a baseline at
	// maximum perceptual distance from it.
	probe := svc.Run(context.Background(), ConversionJob{AssetID: testAssetID, SourceKey: key, Market: "NYC"})
	require.True(t, probe.OK)
	require.NotEmpty(t, probe.QA.PHash)

	harness := regression.NewHarness(regression.Thresholds{})
	harness.Register(regression.Baseline{
		AssetID:          testAssetID,
		QAScore:          probe.QA.Score,
		PHashBaseline:    flipHex(probe.QA.PHash),
		ConverterVersion: converter.MockVersion,
	})
	svc.Harness = harness

	res := svc.Run(context.Background(), ConversionJob{AssetID: testAssetID, SourceKey: key, Market: "NYC"})

	assert.True(t, res.OK, "baseline drift never fails the job")
	require.NotNil(t, res.Regression)
	assert.True(t, res.Regression.BaselineFound)
	assert.True(t, res.Regression.PHashRegression)
	assert.True(t, res.Regression.RegressionDetected)
	require.NotNil(t, res.Regression.PHashDistance)
	assert.Equal(t, 64, *res.Regression.PHashDistance)
}

func TestServiceRunNoBaselineRecommendation(t *testing.T) {
	svc, store, _ := testService(t)
	key, _ := seedSource(store)
	svc.Harness = regression.NewHarness(regression.Thresholds{})

	res := svc.Run(context.Background(), ConversionJob{AssetID: testAssetID, SourceKey: key, Market: "NYC"})

	require.True(t, res.OK)
	require.NotNil(t, res.Regression)
	assert.False(t, res.Regression.BaselineFound)
	assert.False(t, res.Regression.RegressionDetected)
	assert.NotEmpty(t, res.Regression.Recommendation)
}

func TestConversionJobDefaults(t *testing.T) {
	j := ConversionJob{AssetID: "a", SourceKey: "tours/NYC/a/input.ply", Market: "NYC"}.withDefaults()
	assert.Equal(t, DefaultIterations, j.Iterations)
	assert.Equal(t, DefaultQualityThreshold, j.QualityThreshold)

	j = ConversionJob{Iterations: 42, QualityThreshold: 0.5}.withDefaults()
	assert.Equal(t, uint32(42), j.Iterations)
	assert.Equal(t, 0.5, j.QualityThreshold)
}

func TestConversionJobValidate(t *testing.T) {
	valid := ConversionJob{AssetID: "a", SourceKey: "tours/NYC/a/input.ply", Market: "NYC"}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.QualityThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = valid
	bad.SourceKey = "../escape"
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Market = ""
	assert.Error(t, bad.Validate())
}
