package main

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// --- Quishield engine configuration ---
const (
	EngineVersion         = "0.3.2"
	FragKeyPrefix         = "qs_f:"
	LocalFragPrefix       = "lg_f:"
	OracleCacheFragPrefix = "oc_f:"
	LocalScorePrefix      = "lg_s:"
	MetaNodeID            = "qs_meta:id"
	MetaVer               = "qs_meta:v"
	DefaultOracle         = "https://oracle.quishield.dev"
	MaxProcessSize        = 15 * 1024 * 1024 // 15 MB max request body
	MaxURLLogLength       = 200              // Truncate URLs in log lines
	DefaultLocalRetention = 15               // Days to keep local learning data
)

var (
	ctx                     = context.Background()
	rdb                     *redis.Client
	oracleURL               string
	nodeID                  string
	scanCount               int64
	partialMatchCount       int64
	maliciousConfirmedCount int64
	cachedPositiveCount     int64
	cachedNegativeCount     int64
	localMaliciousCount     int64
	maliciousWeight         int64
	benignWeight            int64
	localRetentionDuration  time.Duration

	// TLSH distance threshold for URL signatures (strict; phishing URLs mutate
	// less than spam bodies)
	thresholdURL int64 = 50

	// Minimum normalized-URL length for a reliable TLSH signature
	minSignatureLength int64 = 64

	// Active model, swapped under lock on reload
	activeModel *Model
	modelMutex  sync.RWMutex

	// Analysis endpoint limiter
	analyzeLimiter *rate.Limiter

	// Config
	configMap   map[string]string = make(map[string]string)
	configMutex sync.RWMutex

	// Prometheus metrics
	promScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quishield_guardian_scanned_total",
		Help: "Total number of URLs scanned",
	})
	promLocalMatch = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quishield_guardian_local_match_total",
		Help: "Total number of URLs matched locally",
	})
	promOracleMatch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quishield_guardian_oracle_match_total",
		Help: "Total number of URLs matched via oracle",
	}, []string{"type"})
	promCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quishield_guardian_cache_hits_total",
		Help: "Total number of cache hits",
	}, []string{"result"})
	promModelVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quishield_guardian_model_verdicts_total",
		Help: "Total number of verdicts decided by the model",
	}, []string{"action"})
	promFeatureFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quishield_guardian_feature_failures_total",
		Help: "Total number of feature extractions that fell back to the zero vector",
	})
)

func init() {
	prometheus.MustRegister(promScanned, promLocalMatch, promOracleMatch,
		promCacheHits, promModelVerdicts, promFeatureFailures)
}

func currentModel() *Model {
	modelMutex.RLock()
	defer modelMutex.RUnlock()
	return activeModel
}

func setModel(m *Model) {
	modelMutex.Lock()
	activeModel = m
	modelMutex.Unlock()
}
