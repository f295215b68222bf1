package main

import (
	"fmt"
	"path/filepath"
	"testing"
)

// syntheticCorpus builds a cleanly separable training set: benign corporate
// URLs against IP-hosted keyword-stuffed phishing URLs.
func syntheticCorpus() []DatasetRecord {
	var records []DatasetRecord
	for i := 0; i < 60; i++ {
		records = append(records, DatasetRecord{
			URL:    fmt.Sprintf("https://www.company%d.com/products/item-%d", i, i),
			Label:  0,
			Source: "genuine",
		})
		records = append(records, DatasetRecord{
			URL:    fmt.Sprintf("http://192.168.%d.%d/paypal-verify-account-login?free=1&prize=%d", i%250, (i*7)%250, i),
			Label:  1,
			Source: "malicious",
		})
	}
	return records
}

func TestTrainAndClassify(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.Epochs = 80

	m, err := TrainModel(syntheticCorpus(), cfg)
	if err != nil {
		t.Fatalf("TrainModel returned an error: %v", err)
	}

	if m.Accuracy < 0.9 {
		t.Errorf("holdout accuracy %.4f, want >= 0.9 on separable data", m.Accuracy)
	}

	action, prob := m.Classify(ExtractURLFeatures("http://10.0.0.1/secure-bank-verify-password?gift=free"))
	if action != "malicious" {
		t.Errorf("phishing URL classified %q (prob %.4f), want malicious", action, prob)
	}

	action, prob = m.Classify(ExtractURLFeatures("https://www.company999.com/products/item-1"))
	if action != "allow" {
		t.Errorf("benign URL classified %q (prob %.4f), want allow", action, prob)
	}
}

func TestTrainingIsDeterministic(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.Epochs = 20

	a, err := TrainModel(syntheticCorpus(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := TrainModel(syntheticCorpus(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	for i := range a.Weights {
		if a.Weights[i] != b.Weights[i] {
			t.Fatalf("weight %d differs between identical runs: %v vs %v", i, a.Weights[i], b.Weights[i])
		}
	}
	if a.Bias != b.Bias {
		t.Errorf("bias differs between identical runs: %v vs %v", a.Bias, b.Bias)
	}
}

func TestModelArtifactRoundtrip(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.Epochs = 10

	m, err := TrainModel(syntheticCorpus(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "model.json")
	if err := SaveModel(m, path); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	loaded, err := LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	// The artifact must carry the exact ordered vocabulary
	if len(loaded.FeatureNames) != len(featureNames) {
		t.Fatalf("artifact has %d feature names, want %d", len(loaded.FeatureNames), len(featureNames))
	}
	for i, name := range featureNames {
		if loaded.FeatureNames[i] != name {
			t.Errorf("artifact feature %d = %q, want %q", i, loaded.FeatureNames[i], name)
		}
	}

	// Scoring must be identical before and after serialization
	probe := ExtractURLFeatures("http://bit.ly/secure-update")
	if got, want := loaded.Score(probe), m.Score(probe); got != want {
		t.Errorf("score drifted through serialization: %v vs %v", got, want)
	}
}

func TestLoadRejectsSchemaDrift(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.Epochs = 5

	m, err := TrainModel(syntheticCorpus(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Rename one feature as a stand-in for a drifted artifact
	m.FeatureNames[0] = "renamed_feature"
	path := filepath.Join(t.TempDir(), "drifted.json")
	if err := SaveModel(m, path); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadModel(path); err == nil {
		t.Error("LoadModel accepted an artifact with a drifted vocabulary")
	}
}

func TestScoreRange(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.Epochs = 10

	m, err := TrainModel(syntheticCorpus(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	for _, in := range []string{"", "https://example.com/", "http://192.168.1.1/verify", "garbage"} {
		prob := m.Score(ExtractURLFeatures(in))
		if prob < 0 || prob > 1 {
			t.Errorf("Score(%q) = %v, out of [0,1]", in, prob)
		}
	}
}

func TestTrainRejectsTinyCorpus(t *testing.T) {
	if _, err := TrainModel([]DatasetRecord{{URL: "https://example.com", Label: 0}}, DefaultTrainConfig()); err == nil {
		t.Error("TrainModel accepted a one-row corpus")
	}
}
