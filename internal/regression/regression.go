// Package regression compares fresh QA reports against per-asset quality
// baselines. The harness gates CI, not the conversion pipeline: a drifting
// baseline means "a human should look", while the pipeline's own QA gate
// stays the shipping decision.
package regression

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homewalk/tourforge/internal/errs"
	"github.com/homewalk/tourforge/internal/phash"
	"github.com/homewalk/tourforge/internal/qa"
)

// Baseline is the recorded quality reference for one asset.
type Baseline struct {
	AssetID          string    `json:"asset_id"`
	SourceDigest     string    `json:"source_digest"`
	OutputDigest     string    `json:"output_digest"`
	ConverterVersion string    `json:"converter_version"`
	QAScore          float64   `json:"qa_score"`
	PHashBaseline    string    `json:"phash_baseline,omitempty"`
	SSIMBaseline     float64   `json:"ssim_baseline,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Severity grades a detected regression.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Thresholds tune regression detection. Zero values take the defaults.
type Thresholds struct {
	MaxScoreDrop  float64 `yaml:"max_score_drop"`
	MaxPHashDrift int     `yaml:"max_phash_drift"`
	MinSSIM       float64 `yaml:"min_ssim"`
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MaxScoreDrop == 0 {
		t.MaxScoreDrop = 0.05
	}
	if t.MaxPHashDrift == 0 {
		t.MaxPHashDrift = 5
	}
	if t.MinSSIM == 0 {
		t.MinSSIM = 0.85
	}
	return t
}

// Check is the outcome of comparing one report against its baseline.
type Check struct {
	AssetID            string   `json:"asset_id"`
	BaselineFound      bool     `json:"baseline_found"`
	Score              float64  `json:"qa_score"`
	ScoreDelta         float64  `json:"score_delta"`
	PHashDistance      *int     `json:"phash_distance,omitempty"`
	ScoreRegression    bool     `json:"score_regression"`
	PHashRegression    bool     `json:"phash_regression"`
	BelowFloor         bool     `json:"below_floor"`
	RegressionDetected bool     `json:"regression_detected"`
	Severity           Severity `json:"severity"`
	ConverterChanged   bool     `json:"converter_changed"`
	ConverterVersion   string   `json:"converter_version"`
	Recommendation     string   `json:"recommendation"`
}

// Harness holds the baseline map. Reads take the shared lock; bundle
// reloads take the exclusive one.
type Harness struct {
	mu         sync.RWMutex
	baselines  map[string]Baseline
	thresholds Thresholds
}

func NewHarness(t Thresholds) *Harness {
	return &Harness{
		baselines:  make(map[string]Baseline),
		thresholds: t.withDefaults(),
	}
}

// Register stores or replaces the baseline for b.AssetID.
func (h *Harness) Register(b Baseline) {
	if b.RecordedAt.IsZero() {
		b.RecordedAt = time.Now().UTC()
	}
	h.mu.Lock()
	h.baselines[b.AssetID] = b
	h.mu.Unlock()
}

// Baseline returns the stored baseline for assetID.
func (h *Harness) Baseline(assetID string) (Baseline, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.baselines[assetID]
	return b, ok
}

// Len reports how many baselines are loaded.
func (h *Harness) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.baselines)
}

// LoadBundle replaces the map with the JSON array at path.
func (h *Harness) LoadBundle(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.IO("read baseline bundle", err)
	}
	var list []Baseline
	if err := json.Unmarshal(raw, &list); err != nil {
		return errs.Validation(fmt.Sprintf("parse baseline bundle: %v", err))
	}

	fresh := make(map[string]Baseline, len(list))
	for _, b := range list {
		if b.AssetID == "" {
			return errs.Validation("baseline bundle entry missing asset_id")
		}
		fresh[b.AssetID] = b
	}

	h.mu.Lock()
	h.baselines = fresh
	h.mu.Unlock()
	log.Info().Int("baselines", len(fresh)).Str("path", path).Msg("baseline bundle loaded")
	return nil
}

// SaveBundle writes the current map as a JSON array, sorted by asset for a
// stable diff.
func (h *Harness) SaveBundle(path string) error {
	h.mu.RLock()
	list := make([]Baseline, 0, len(h.baselines))
	for _, b := range h.baselines {
		list = append(list, b)
	}
	h.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].AssetID < list[j].AssetID })
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errs.Unexpected("marshal baseline bundle", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return errs.IO("write baseline bundle", err)
	}
	return nil
}

// Check evaluates report against the asset's baseline.
func (h *Harness) Check(assetID string, report *qa.Report, converterVersion, currentPHash string) Check {
	t := h.thresholds
	res := Check{
		AssetID:          assetID,
		Score:            report.Score,
		ConverterVersion: converterVersion,
		Severity:         SeverityNone,
	}
	res.BelowFloor = report.Score < t.MinSSIM

	base, found := h.Baseline(assetID)
	res.BaselineFound = found
	if !found {
		res.RegressionDetected = res.BelowFloor
		if res.BelowFloor {
			res.Severity = SeveritySevere
			res.Recommendation = fmt.Sprintf(
				"qa score %.4f is below the %.2f floor; conversion is not shippable", report.Score, t.MinSSIM)
		} else {
			res.Recommendation = "no baseline on record; register one from this run"
		}
		return res
	}

	res.ScoreDelta = report.Score - base.QAScore
	res.ScoreRegression = res.ScoreDelta < -t.MaxScoreDrop
	res.ConverterChanged = base.ConverterVersion != "" && converterVersion != "" &&
		base.ConverterVersion != converterVersion

	if currentPHash != "" && len(base.PHashBaseline) == len(currentPHash) {
		if d, err := phash.Distance(base.PHashBaseline, currentPHash); err == nil {
			res.PHashDistance = &d
			res.PHashRegression = d > t.MaxPHashDrift
		}
	}

	res.RegressionDetected = res.ScoreRegression || res.PHashRegression || res.BelowFloor
	res.Severity = severity(res, t)
	res.Recommendation = recommend(res, base, t)
	return res
}

func severity(res Check, t Thresholds) Severity {
	if !res.RegressionDetected {
		return SeverityNone
	}
	switch {
	case res.BelowFloor || res.ScoreDelta < -0.15:
		return SeveritySevere
	case res.ScoreDelta < -0.10 || (res.PHashDistance != nil && *res.PHashDistance > 8):
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

// recommend picks the highest-priority observation: converter change first,
// then hash drift, then score drop, then the absolute floor.
func recommend(res Check, base Baseline, t Thresholds) string {
	switch {
	case res.ConverterChanged:
		return fmt.Sprintf("converter changed %s -> %s; re-baseline after review",
			base.ConverterVersion, res.ConverterVersion)
	case res.PHashRegression:
		return fmt.Sprintf("perceptual hash drifted %d bits from baseline; inspect rendered frames",
			*res.PHashDistance)
	case res.ScoreRegression:
		return fmt.Sprintf("qa score dropped %.4f from baseline %.4f; investigate conversion quality",
			-res.ScoreDelta, base.QAScore)
	case res.BelowFloor:
		return fmt.Sprintf("qa score %.4f is below the %.2f floor; conversion is not shippable",
			res.Score, t.MinSSIM)
	default:
		return "within baseline tolerances"
	}
}
