// Quishield Guardian
// Copyright (C) 2025 The Quishield Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "train":
			runTrain(os.Args[2:])
			return
		case "extract":
			runExtract(os.Args[2:])
			return
		case "serve":
			runServe()
			return
		}
	}
	runServe()
}

func runServe() {
	if path := getEnv("QUISHIELD_CONFIG", ""); path != "" {
		if err := loadConfigFile(path); err != nil {
			log.Printf("[Quishield] Failed to load config file %s: %v", path, err)
		}
	}

	oracleURL = getEnv("ORACLE_URL", DefaultOracle)

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisAddr := fmt.Sprintf("%s:%s", redisHost, redisPort)

	maliciousWeight = getEnvInt64("MALICIOUS_WEIGHT", 1)
	benignWeight = getEnvInt64("BENIGN_WEIGHT", 2)
	retentionDays := getEnvInt64("LOCAL_RETENTION_DAYS", DefaultLocalRetention)
	localRetentionDuration = time.Duration(retentionDays) * 24 * time.Hour

	qps := getEnvFloat("RATE_QPS", 200)
	burst := getEnvInt64("RATE_BURST", 400)
	analyzeLimiter = rate.NewLimiter(rate.Limit(qps), int(burst))

	rdb = redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("[Quishield] Critical Redis error: %v", err)
	}

	nodeID = initNode()
	log.Printf("[Quishield] Engine %s started. Node: %s", EngineVersion, nodeID)

	modelPath := getEnv("MODEL_PATH", "model.json")
	if m, err := LoadModel(modelPath); err != nil {
		log.Printf("[Quishield] No usable model at %s (%v); running without model verdicts", modelPath, err)
	} else {
		if t := getEnvFloat("MODEL_THRESHOLD", 0); t > 0 && t < 1 {
			m.Threshold = t
		}
		setModel(m)
		log.Printf("[Quishield] Loaded model trained %s (%d features, threshold %.2f, accuracy %.4f)",
			m.TrainedAt.Format(time.RFC3339), len(m.FeatureNames), m.Threshold, m.Accuracy)
	}

	// Workers
	go syncWorker()
	go statsWorker()

	// Endpoints
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/analyze", rateLimitHandler(analyzeHandler))
	http.HandleFunc("/analyze/email", rateLimitHandler(analyzeEmailHandler))
	http.HandleFunc("/features", rateLimitHandler(featuresHandler))
	http.HandleFunc("/report", logRequestHandler(reportHandler))
	http.HandleFunc("/status", logRequestHandler(statusHandler))

	port := getEnv("PORT", "12521")
	bindAddr := getEnv("GUARDIAN_BIND_ADDR", "127.0.0.1")
	log.Printf("[Quishield] URL guardian ready on %s:%s", bindAddr, port)
	log.Fatal(http.ListenAndServe(bindAddr+":"+port, nil))
}

func runTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	datasetPath := fs.String("dataset", "qr_dataset.csv", "CSV corpus with url and label columns")
	outPath := fs.String("out", "model.json", "where to write the trained model artifact")
	epochs := fs.Int("epochs", 200, "training epochs")
	learningRate := fs.Float64("lr", 0.1, "initial learning rate")
	threshold := fs.Float64("threshold", 0.5, "malicious probability threshold")
	fs.Parse(args)

	records, err := LoadDataset(*datasetPath)
	if err != nil {
		log.Fatalf("[Quishield] Failed to load dataset: %v", err)
	}
	log.Printf("[Quishield] Extracting features from %d URLs...", len(records))

	cfg := DefaultTrainConfig()
	cfg.Epochs = *epochs
	cfg.LearningRate = *learningRate
	cfg.Threshold = *threshold

	m, err := TrainModel(records, cfg)
	if err != nil {
		log.Fatalf("[Quishield] Training failed: %v", err)
	}
	if err := SaveModel(m, *outPath); err != nil {
		log.Fatalf("[Quishield] Failed to save model: %v", err)
	}
	log.Printf("[Quishield] Model written to %s", *outPath)
}

func runExtract(args []string) {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	singleURL := fs.String("url", "", "extract features for one URL (otherwise read URLs from stdin)")
	fs.Parse(args)

	enc := json.NewEncoder(os.Stdout)

	emit := func(rawURL string) {
		out := struct {
			URL      string             `json:"url"`
			Features map[string]float64 `json:"features"`
		}{URL: rawURL, Features: ExtractURLFeatures(rawURL)}
		enc.Encode(out)
	}

	if *singleURL != "" {
		emit(*singleURL)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		emit(line)
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("[Quishield] stdin read error: %v", err)
	}
}

func initNode() string {
	id, _ := rdb.Get(ctx, MetaNodeID).Result()
	if id == "" {
		id = uuid.New().String()
		rdb.Set(ctx, MetaNodeID, id, 0)
		rdb.Set(ctx, MetaVer, 0, 0)
	}
	return id
}
