package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jhillyerd/enmime"
)

// --- Handlers ---

type analyzeRequest struct {
	URL             string `json:"url"`
	IncludeFeatures bool   `json:"include_features,omitempty"`
}

type analyzeResponse struct {
	Action         string             `json:"action"`
	Label          string             `json:"label,omitempty"`
	ProximityMatch bool               `json:"proximity_match"`
	Distance       int                `json:"distance,omitempty"`
	Probability    float64            `json:"probability,omitempty"`
	Features       map[string]float64 `json:"features,omitempty"`
	ModelVersion   string             `json:"model_version,omitempty"`
}

func analyzeHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&scanCount, 1)
	promScanned.Inc()

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, MaxProcessSize))
	if err != nil {
		http.Error(w, "Error reading body", http.StatusInternalServerError)
		return
	}

	var req analyzeRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil || req.URL == "" {
		http.Error(w, "Invalid JSON body, url required", http.StatusBadRequest)
		return
	}

	result, features := classifyURL(req.URL)

	response := analyzeResponse{
		Action:         result.Action,
		Label:          result.Label,
		ProximityMatch: result.ProximityMatch,
		Distance:       result.Distance,
		Probability:    result.Probability,
	}
	if req.IncludeFeatures {
		response.Features = features
	}
	if m := currentModel(); m != nil {
		response.ModelVersion = m.Version
	}

	w.Header().Set("Content-Type", "application/json")
	respBytes, _ := json.Marshal(response)
	w.WriteHeader(http.StatusOK)
	w.Write(respBytes)
}

// classifyURL runs the layered verdict pipeline for one URL: exact learning
// score, exact oracle cache, signature proximity (oracle cache then local),
// oracle band collision, and finally the model.
func classifyURL(rawURL string) (AnalysisResult, map[string]float64) {
	features := ExtractURLFeatures(rawURL)
	key := urlKey(rawURL)

	sig, sigErr := computeURLSignature(rawURL)
	var hashes []string
	if sigErr == nil {
		hashes = append(hashes, sig)
	}
	go storeScanResult(rawURL, hashes)

	// Step 1: exact local learning score
	if scoreVal, err := rdb.Get(ctx, LocalScorePrefix+"u:"+key).Int64(); err == nil && scoreVal > 0 {
		log.Printf("[Quishield] Local malicious URL (exact)! URL: %s | Score: %d", truncateForLog(rawURL), scoreVal)
		atomic.AddInt64(&localMaliciousCount, 1)
		promLocalMatch.Inc()
		return AnalysisResult{Action: "malicious", Label: "local_exact", ProximityMatch: false}, features
	}

	// Step 2: exact oracle decision cache
	if cached, err := rdb.Get(ctx, "qs:oracle_cache:url:"+key).Result(); err == nil {
		var res AnalysisResult
		if json.Unmarshal([]byte(cached), &res) == nil && res.Action == "malicious" {
			atomic.AddInt64(&cachedPositiveCount, 1)
			promCacheHits.WithLabelValues("positive").Inc()
			return res, features
		}
	}

	if sigErr == nil {
		// Step 3: oracle cache proximity (malicious variants seen recently)
		if res, ok := proximityLookup(sig, OracleCacheFragPrefix, "oracle_cache_match", false); ok {
			atomic.AddInt64(&cachedPositiveCount, 1)
			promCacheHits.WithLabelValues("positive").Inc()
			return res, features
		}

		// Step 4: local learning proximity
		if res, ok := proximityLookup(sig, LocalFragPrefix, "local_proximity", true); ok {
			atomic.AddInt64(&localMaliciousCount, 1)
			promLocalMatch.Inc()
			return res, features
		}

		// Step 5: oracle band collision -> ask the oracle
		if countBandMatches(sig, FragKeyPrefix) >= 4 {
			oracleVerdict := callOracleDecision(sig)
			if oracleVerdict.Action == "malicious" {
				log.Printf("[Quishield] Oracle malicious URL! URL: %s | Signature: %s", truncateForLog(rawURL), sig)
				atomic.AddInt64(&maliciousConfirmedCount, 1)
				promOracleMatch.WithLabelValues("complete").Inc()
				// Remember the exact verdict for this URL too
				data, _ := json.Marshal(oracleVerdict)
				rdb.Set(ctx, "qs:oracle_cache:url:"+key, data, 1*time.Hour)
				return oracleVerdict, features
			}
			log.Printf("[Quishield] Oracle partial match. URL: %s | Signature: %s", truncateForLog(rawURL), sig)
			atomic.AddInt64(&partialMatchCount, 1)
			promOracleMatch.WithLabelValues("partial").Inc()
		}
	}

	// Step 6: model verdict
	if m := currentModel(); m != nil {
		action, prob := m.Classify(features)
		promModelVerdicts.WithLabelValues(action).Inc()
		if action == "malicious" {
			log.Printf("[Quishield] Model malicious URL! URL: %s | Probability: %.4f", truncateForLog(rawURL), prob)
			atomic.AddInt64(&maliciousConfirmedCount, 1)
		}
		return AnalysisResult{Action: action, Label: "model", Probability: prob}, features
	}

	return AnalysisResult{Action: "allow"}, features
}

// proximityLookup checks the LSH band index under prefix for a close
// signature. With scored=true a candidate only counts when its learning score
// is positive (benign reports can neutralize it).
func proximityLookup(sig, prefix, label string, scored bool) (AnalysisResult, bool) {
	bands := extractBands_6_3(sig)
	if len(bands) == 0 {
		return AnalysisResult{}, false
	}

	pipe := rdb.Pipeline()
	bandCmds := make(map[string]*redis.IntCmd, len(bands))
	for _, b := range bands {
		key := prefix + b
		bandCmds[key] = pipe.Exists(ctx, key)
	}
	pipe.Exec(ctx)

	matchingKeys := []string{}
	for key, cmd := range bandCmds {
		if cmd.Val() > 0 {
			matchingKeys = append(matchingKeys, key)
		}
	}
	if len(matchingKeys) < 4 {
		return AnalysisResult{}, false
	}

	if scored {
		// Refresh TTLs on the bands we touched
		pipe = rdb.Pipeline()
		for _, key := range matchingKeys {
			pipe.Expire(ctx, key, localRetentionDuration)
		}
		pipe.Exec(ctx)
	}

	pipe = rdb.Pipeline()
	hashCmds := make(map[string]*redis.StringSliceCmd, len(matchingKeys))
	for _, key := range matchingKeys {
		hashCmds[key] = pipe.SMembers(ctx, key)
	}
	pipe.Exec(ctx)

	seen := make(map[string]struct{})
	var candidates []string
	for _, cmd := range hashCmds {
		for _, hash := range cmd.Val() {
			if _, ok := seen[hash]; !ok {
				seen[hash] = struct{}{}
				candidates = append(candidates, hash)
			}
		}
	}
	if len(candidates) == 0 {
		return AnalysisResult{}, false
	}

	distances, err := computeDistanceBatch(sig, candidates, candidates)
	if err != nil {
		return AnalysisResult{}, false
	}

	for hash, dist := range distances {
		if dist > int(thresholdURL) {
			continue
		}
		if scored {
			scoreVal, _ := rdb.Get(ctx, LocalScorePrefix+hash).Int64()
			if scoreVal <= 0 {
				continue
			}
			log.Printf("[Quishield] Local malicious URL (proximity)! Signature: %s | Match: %s | Score: %d | Distance: %d", sig, hash, scoreVal, dist)
		} else {
			log.Printf("[Quishield] Oracle cache proximity match! Signature: %s | Match: %s | Distance: %d", sig, hash, dist)
		}
		return AnalysisResult{Action: "malicious", Label: label, ProximityMatch: true, Distance: dist}, true
	}
	return AnalysisResult{}, false
}

func countBandMatches(sig, prefix string) int {
	bands := extractBands_6_3(sig)
	if len(bands) == 0 {
		return 0
	}

	pipe := rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(bands))
	for i, b := range bands {
		cmds[i] = pipe.Exists(ctx, prefix+b)
	}
	pipe.Exec(ctx)

	matchCount := 0
	for _, cmd := range cmds {
		if cmd.Val() > 0 {
			matchCount++
		}
	}
	return matchCount
}

// analyzeEmailHandler accepts a raw MIME message, pulls every URL out of its
// text and HTML parts, and classifies each. The worst verdict wins.
func analyzeEmailHandler(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&scanCount, 1)
	promScanned.Inc()

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, MaxProcessSize))
	if err != nil {
		http.Error(w, "Error reading body", http.StatusInternalServerError)
		return
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(bodyBytes))
	if err != nil {
		http.Error(w, "Invalid MIME", http.StatusBadRequest)
		return
	}

	urls := extractURLs(env.Text + "\n" + env.HTML)
	const maxURLsPerMessage = 32
	if len(urls) > maxURLsPerMessage {
		urls = urls[:maxURLsPerMessage]
	}

	type urlVerdict struct {
		URL string `json:"url"`
		AnalysisResult
	}

	worst := AnalysisResult{Action: "allow"}
	verdicts := make([]urlVerdict, 0, len(urls))
	for _, u := range urls {
		res, _ := classifyURL(u)
		verdicts = append(verdicts, urlVerdict{URL: u, AnalysisResult: res})
		if res.Action == "malicious" && worst.Action != "malicious" {
			worst = res
		} else if res.Action == worst.Action && res.Probability > worst.Probability {
			worst = res
		}
	}

	if worst.Action == "malicious" {
		log.Printf("[Quishield] Malicious URL in message! Message-ID: %s | Subject: %s",
			env.GetHeader("Message-ID"), env.GetHeader("Subject"))
	}

	response := struct {
		Action   string       `json:"action"`
		Label    string       `json:"label,omitempty"`
		URLCount int          `json:"url_count"`
		URLs     []urlVerdict `json:"urls"`
	}{
		Action:   worst.Action,
		Label:    worst.Label,
		URLCount: len(urls),
		URLs:     verdicts,
	}

	w.Header().Set("Content-Type", "application/json")
	respBytes, _ := json.Marshal(response)
	w.WriteHeader(http.StatusOK)
	w.Write(respBytes)
}

// featuresHandler exposes the raw feature vector, mostly for training parity
// checks and debugging.
func featuresHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxProcessSize)).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "Invalid JSON body, url required", http.StatusBadRequest)
		return
	}

	response := struct {
		URL      string             `json:"url"`
		Features map[string]float64 `json:"features"`
		Names    []string           `json:"feature_names"`
	}{
		URL:      req.URL,
		Features: ExtractURLFeatures(req.URL),
		Names:    featureNames,
	}

	w.Header().Set("Content-Type", "application/json")
	respBytes, _ := json.Marshal(response)
	w.WriteHeader(http.StatusOK)
	w.Write(respBytes)
}

func reportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var reqBody struct {
		URL        string `json:"url"`
		ReportType string `json:"report_type"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxProcessSize)).Decode(&reqBody); err != nil || reqBody.URL == "" {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if reqBody.ReportType != "malicious" && reqBody.ReportType != "benign" {
		http.Error(w, "report_type must be malicious or benign", http.StatusBadRequest)
		return
	}

	key := urlKey(reqBody.URL)

	// Prevent duplicate reports for the same type
	reportKey := "qs:rpt:" + key + ":" + reqBody.ReportType
	if added, err := rdb.SetNX(ctx, reportKey, "1", 24*time.Hour).Result(); err != nil {
		http.Error(w, "Redis error", http.StatusInternalServerError)
		return
	} else if !added {
		log.Printf("[Quishield] Duplicate %s report ignored for URL: %s", reqBody.ReportType, truncateForLog(reqBody.URL))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"status":"duplicate","message":"Already reported"}`))
		return
	}

	// Recover the scan-time signatures when available; URLs can always be
	// re-signed, unlike the ephemeral message bodies the scan cache was built for.
	hashes := scanHashes(key, reqBody.URL)

	log.Printf("[Quishield] Processing %s report for URL: %s", reqBody.ReportType, truncateForLog(reqBody.URL))

	skipOracleReport := learnExact(key, reqBody.ReportType)
	for _, hash := range hashes {
		if learnSignature(hash, reqBody.ReportType) {
			skipOracleReport = true
		}
	}

	if reqBody.ReportType == "malicious" && skipOracleReport {
		log.Printf("[Quishield] Skip Oracle report for URL: %s (Already known)", truncateForLog(reqBody.URL))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"skipped_oracle","reason":"known_locally"}`))
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"node_id":     nodeID,
		"url":         normalizeURL(reqBody.URL),
		"signatures":  hashes,
		"report_type": reqBody.ReportType,
	})

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(oracleURL+"/report", "application/json", bytes.NewBuffer(payload))
	if err != nil {
		http.Error(w, "Oracle unreachable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// scanHashes returns the signatures recorded at scan time, recomputing when
// the provenance record has expired.
func scanHashes(key, rawURL string) []string {
	if val, err := rdb.Get(ctx, "qs:url:"+key).Result(); err == nil {
		var scanData ScanResult
		if json.Unmarshal([]byte(val), &scanData) == nil && len(scanData.Hashes) > 0 {
			return scanData.Hashes
		}
	}
	if sig, err := computeURLSignature(rawURL); err == nil {
		return []string{sig}
	}
	return nil
}

// learnExact adjusts the exact-match score for a URL key. Returns true when
// the URL was already known malicious locally.
func learnExact(key, reportType string) bool {
	scoreKey := LocalScorePrefix + "u:" + key

	if reportType == "malicious" {
		prev, _ := rdb.Get(ctx, scoreKey).Int64()
		newScore, _ := rdb.IncrBy(ctx, scoreKey, maliciousWeight).Result()
		rdb.Expire(ctx, scoreKey, localRetentionDuration)
		log.Printf("[Quishield] Learned malicious URL key: %s (Score: %d)", key, newScore)
		return prev > 0
	}

	// Benign: punish only an existing entry, keep it alive even if negative
	if _, err := rdb.Get(ctx, scoreKey).Int64(); err == nil {
		newScore, _ := rdb.DecrBy(ctx, scoreKey, benignWeight).Result()
		rdb.Expire(ctx, scoreKey, localRetentionDuration)
		log.Printf("[Quishield] Benign report for URL key: %s (Score: %d)", key, newScore)
	}
	return false
}

// learnSignature folds a report into the LSH learning index, merging into the
// closest known signature when one is near enough. Returns true when the
// signature was already known malicious.
func learnSignature(hash, reportType string) bool {
	bands := extractBands_6_3(hash)
	if len(bands) == 0 {
		return false
	}

	// Identify candidates using LSH
	pipe := rdb.Pipeline()
	localCmds := make(map[string]*redis.IntCmd, len(bands))
	for _, b := range bands {
		key := LocalFragPrefix + b
		localCmds[key] = pipe.Exists(ctx, key)
	}
	pipe.Exec(ctx)

	matchingBandsKeys := []string{}
	for key, cmd := range localCmds {
		if cmd.Val() > 0 {
			matchingBandsKeys = append(matchingBandsKeys, key)
		}
	}

	bestMatchDist := 9999
	var bestMatchHash string

	if len(matchingBandsKeys) >= 4 {
		pipe = rdb.Pipeline()
		hashCmds := make(map[string]*redis.StringSliceCmd, len(matchingBandsKeys))
		for _, key := range matchingBandsKeys {
			hashCmds[key] = pipe.SMembers(ctx, key)
		}
		pipe.Exec(ctx)

		candidates := make(map[string]struct{})
		for _, cmd := range hashCmds {
			for _, h := range cmd.Val() {
				candidates[h] = struct{}{}
			}
		}

		candidateList := make([]string, 0, len(candidates))
		for h := range candidates {
			candidateList = append(candidateList, h)
		}

		if len(candidateList) > 0 {
			distances, err := computeDistanceBatch(hash, candidateList, candidateList)
			if err == nil {
				for h, dist := range distances {
					if dist < bestMatchDist {
						bestMatchDist = dist
						bestMatchHash = h
					}
				}
			}
		}
	}

	targetHash := hash
	alreadyKnown := false
	if bestMatchDist <= int(thresholdURL) {
		targetHash = bestMatchHash
		alreadyKnown = true
	}

	scoreKey := LocalScorePrefix + targetHash

	if reportType == "malicious" {
		newScore, _ := rdb.IncrBy(ctx, scoreKey, maliciousWeight).Result()

		pipe := rdb.Pipeline()
		for _, band := range extractBands_6_3(targetHash) {
			key := LocalFragPrefix + band
			pipe.SAdd(ctx, key, targetHash)
			pipe.Expire(ctx, key, localRetentionDuration)
		}
		pipe.Expire(ctx, scoreKey, localRetentionDuration)
		pipe.Exec(ctx)
		log.Printf("[Quishield] Learned malicious signature: %s (Score: %d)", targetHash, newScore)
		return alreadyKnown
	}

	if alreadyKnown {
		newScore, _ := rdb.DecrBy(ctx, scoreKey, benignWeight).Result()
		log.Printf("[Quishield] Benign report for signature: %s (Score: %d)", targetHash, newScore)
		rdb.Expire(ctx, scoreKey, localRetentionDuration)
	}
	return false
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	// Used by the installer post-start check: must return node_id and current_seq when healthy.
	if nodeID == "" {
		nodeID = initNode()
	}

	currentSeq, err := rdb.Get(ctx, MetaVer).Int()
	if err != nil && err != redis.Nil {
		http.Error(w, "Redis unavailable", http.StatusServiceUnavailable)
		return
	}
	if err == redis.Nil {
		currentSeq = 0
	}

	resp := map[string]interface{}{
		"node_id":     nodeID,
		"current_seq": currentSeq,
		"version":     EngineVersion,
	}
	if m := currentModel(); m != nil {
		resp["model"] = map[string]interface{}{
			"version":    m.Version,
			"trained_at": m.TrainedAt,
			"features":   len(m.FeatureNames),
			"threshold":  m.Threshold,
			"accuracy":   m.Accuracy,
		}
	}
	respBytes, _ := json.Marshal(resp)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(respBytes)
}

func logRequestHandler(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[Quishield] Request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	}
}

func rateLimitHandler(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if analyzeLimiter != nil && !analyzeLimiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	}
}
