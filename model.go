package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// Model is a standardized logistic-regression classifier over the fixed
// feature vocabulary. FeatureNames pins the positional layout of Weights,
// Means and Scales: an artifact trained against a different vocabulary is
// rejected at load time rather than silently misread.
type Model struct {
	Version      string    `json:"version"`
	TrainedAt    time.Time `json:"trained_at"`
	FeatureNames []string  `json:"feature_names"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	Means        []float64 `json:"means"`
	Scales       []float64 `json:"scales"`
	Threshold    float64   `json:"threshold"`
	Samples      int       `json:"samples"`
	Accuracy     float64   `json:"accuracy"`
}

// TrainConfig mirrors the knobs of the original training pipeline that still
// make sense for a single deterministic family.
type TrainConfig struct {
	Epochs       int
	LearningRate float64
	Threshold    float64
	HoldoutRatio float64
	Seed         int64
}

func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:       200,
		LearningRate: 0.1,
		Threshold:    0.5,
		HoldoutRatio: 0.2,
		Seed:         42,
	}
}

// TrainModel extracts features for every record (in parallel) and fits the
// classifier with plain SGD. Deterministic for a fixed seed.
func TrainModel(records []DatasetRecord, cfg TrainConfig) (*Model, error) {
	if len(records) < 2 {
		return nil, errors.New("not enough training records")
	}

	rows, labels, err := extractFeatureMatrix(records)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	order := rng.Perm(len(rows))

	holdout := int(float64(len(rows)) * cfg.HoldoutRatio)
	if holdout >= len(rows) {
		holdout = 0
	}
	trainIdx := order[holdout:]
	testIdx := order[:holdout]

	means, scales := standardization(rows, trainIdx)

	m := &Model{
		Version:      EngineVersion,
		TrainedAt:    time.Now().UTC(),
		FeatureNames: append([]string(nil), featureNames...),
		Weights:      make([]float64, len(featureNames)),
		Means:        means,
		Scales:       scales,
		Threshold:    cfg.Threshold,
		Samples:      len(trainIdx),
	}

	lr := cfg.LearningRate
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(trainIdx), func(i, j int) {
			trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i]
		})
		for _, idx := range trainIdx {
			x := m.standardize(rows[idx])
			pred := sigmoid(m.logit(x))
			grad := pred - float64(labels[idx])
			for j := range m.Weights {
				m.Weights[j] -= lr * grad * x[j]
			}
			m.Bias -= lr * grad
		}
		// Simple decay keeps late epochs from oscillating
		lr = cfg.LearningRate / (1 + 0.01*float64(epoch))
	}

	eval := testIdx
	if len(eval) == 0 {
		eval = trainIdx
	}
	correct := 0
	for _, idx := range eval {
		prob := sigmoid(m.logit(m.standardize(rows[idx])))
		predicted := 0
		if prob >= m.Threshold {
			predicted = 1
		}
		if predicted == labels[idx] {
			correct++
		}
	}
	m.Accuracy = float64(correct) / float64(len(eval))

	log.Printf("[Quishield] Trained on %d rows (%d holdout), accuracy %.4f",
		len(trainIdx), len(testIdx), m.Accuracy)
	return m, nil
}

// extractFeatureMatrix runs the extractor once per record, parallelized
// because the training corpus is large and the extractor is pure.
func extractFeatureMatrix(records []DatasetRecord) ([][]float64, []int, error) {
	rows := make([][]float64, len(records))
	labels := make([]int, len(records))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := range records {
		i := i // per-iteration copy: go.mod pins go 1.21, which predates per-iteration loop variables
		g.Go(func() error {
			rows[i] = featureVector(ExtractURLFeatures(records[i].URL))
			labels[i] = records[i].Label
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return rows, labels, nil
}

func standardization(rows [][]float64, idx []int) (means, scales []float64) {
	n := len(featureNames)
	means = make([]float64, n)
	scales = make([]float64, n)

	for _, i := range idx {
		for j, v := range rows[i] {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(len(idx))
	}
	for _, i := range idx {
		for j, v := range rows[i] {
			d := v - means[j]
			scales[j] += d * d
		}
	}
	for j := range scales {
		scales[j] = math.Sqrt(scales[j] / float64(len(idx)))
		if scales[j] == 0 {
			scales[j] = 1 // constant column, leave it centered
		}
	}
	return means, scales
}

func (m *Model) standardize(row []float64) []float64 {
	x := make([]float64, len(row))
	for j, v := range row {
		x[j] = (v - m.Means[j]) / m.Scales[j]
	}
	return x
}

func (m *Model) logit(x []float64) float64 {
	z := m.Bias
	for j, w := range m.Weights {
		z += w * x[j]
	}
	return z
}

// Score returns the malicious probability for a feature map. Resolution is by
// name through the artifact's own ordering, never by map iteration.
func (m *Model) Score(features map[string]float64) float64 {
	row := make([]float64, len(m.FeatureNames))
	for i, name := range m.FeatureNames {
		row[i] = features[name]
	}
	return sigmoid(m.logit(m.standardize(row)))
}

// Classify maps a feature map to an action and its probability.
func (m *Model) Classify(features map[string]float64) (string, float64) {
	prob := m.Score(features)
	if prob >= m.Threshold {
		return "malicious", prob
	}
	return "allow", prob
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func SaveModel(m *Model, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadModel reads an artifact and validates its vocabulary against the
// extractor's, name for name and position for position.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Model) validate() error {
	if len(m.FeatureNames) != len(featureNames) {
		return fmt.Errorf("model expects %d features, extractor produces %d",
			len(m.FeatureNames), len(featureNames))
	}
	for i, name := range m.FeatureNames {
		if name != featureNames[i] {
			return fmt.Errorf("feature %d: model has %q, extractor has %q", i, name, featureNames[i])
		}
	}
	if len(m.Weights) != len(m.FeatureNames) ||
		len(m.Means) != len(m.FeatureNames) ||
		len(m.Scales) != len(m.FeatureNames) {
		return errors.New("model weight/scaling vectors do not match feature count")
	}
	if m.Threshold <= 0 || m.Threshold >= 1 {
		return fmt.Errorf("model threshold %.3f out of range", m.Threshold)
	}
	return nil
}
