package main

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glaslos/tlsh"
	"golang.org/x/net/idna"
)

var (
	reURL         = regexp.MustCompile(`https?://[^\s"'<>]+`)
	reTrackParams = regexp.MustCompile(`[?&](utm_[^=&]+|gclid|fbclid|mc_eid|mc_cid|ref|source|campaign)=[^&]*`)
)

// normalizeURL canonicalizes a URL for caching and learning: tracking params
// dropped, fragment dropped, host lowercased and converted to punycode. The
// feature extractor never sees this form; the contract there is the raw string.
func normalizeURL(rawURL string) string {
	normalized := reTrackParams.ReplaceAllString(rawURL, "")
	normalized = strings.TrimRight(normalized, "?&")

	if u, err := url.Parse(normalized); err == nil && u.Host != "" {
		if ascii, err := idna.ToASCII(strings.ToLower(u.Hostname())); err == nil && ascii != "" {
			host := ascii
			if port := u.Port(); port != "" {
				host += ":" + port
			}
			u.Host = host
		} else {
			u.Host = strings.ToLower(u.Host)
		}
		u.Fragment = ""
		u.RawFragment = ""
		normalized = u.String()
	}
	return strings.ToLower(normalized)
}

// urlKey is the exact-match cache key for a URL: sha1 of its normalized form.
func urlKey(rawURL string) string {
	hasher := sha1.New()
	hasher.Write([]byte(normalizeURL(rawURL)))
	return hex.EncodeToString(hasher.Sum(nil))
}

// extractURLs pulls and normalizes every URL found in free text (email bodies,
// decoded QR payloads), deduplicated in order of first appearance.
func extractURLs(content string) []string {
	matches := reURL.FindAllString(content, -1)

	seen := make(map[string]struct{})
	var urls []string
	for _, u := range matches {
		normalized := normalizeURL(u)
		if _, exists := seen[normalized]; !exists {
			seen[normalized] = struct{}{}
			urls = append(urls, u)
		}
	}
	return urls
}

// computeURLSignature builds the TLSH signature of a normalized URL. TLSH
// needs a minimum amount of input, so short URLs return an error and the
// caller skips the proximity path for them.
func computeURLSignature(rawURL string) (string, error) {
	normalized := normalizeURL(rawURL)
	if len(normalized) < int(minSignatureLength) {
		return "", fmt.Errorf("url too short for signature (%d < %d)", len(normalized), minSignatureLength)
	}
	goHashStruct, err := tlsh.HashBytes([]byte(normalized))
	if err != nil {
		return "", err
	}
	// "T1" prefix + Uppercase
	return "T1" + strings.ToUpper(goHashStruct.String()), nil
}

// computeDistance computes the distance between two signatures locally
func computeDistance(d1, d2 string) (int, error) {
	// Strip T1 prefix if present, as ParseStringToTlsh expects raw hex
	d1 = strings.TrimPrefix(d1, "T1")
	d2 = strings.TrimPrefix(d2, "T1")

	t1, err := tlsh.ParseStringToTlsh(d1)
	if err != nil {
		return 0, err
	}
	t2, err := tlsh.ParseStringToTlsh(d2)
	if err != nil {
		return 0, err
	}
	return t1.Diff(t2), nil
}

// computeDistanceBatch computes distances from a reference signature to a
// candidate set in one pass
func computeDistanceBatch(ref string, digests []string, ids []string) (map[string]int, error) {
	if len(digests) != len(ids) {
		return nil, errors.New("digests and ids length mismatch")
	}

	ref = strings.TrimPrefix(ref, "T1")
	tRef, err := tlsh.ParseStringToTlsh(ref)
	if err != nil {
		return nil, err
	}

	results := make(map[string]int)
	for i, digest := range digests {
		d := strings.TrimPrefix(digest, "T1")
		t, err := tlsh.ParseStringToTlsh(d)
		if err != nil {
			continue // Skip invalid signatures
		}
		results[ids[i]] = tRef.Diff(t)
	}
	return results, nil
}

// extractBands_6_3 slides a 6-char window with stride 3 over the signature
// body, producing the LSH bands used for collision lookups.
func extractBands_6_3(sig string) []string {
	const (
		headerLen = 8
		bodyLen   = 64
		window    = 6
		stride    = 3
	)
	if len(sig) < headerLen+bodyLen {
		return []string{}
	}
	core := sig[headerLen : headerLen+bodyLen]
	bands := make([]string, 0, 20)
	idx := 1
	for pos := 0; pos+window <= bodyLen; pos += stride {
		band := core[pos : pos+window]
		bands = append(bands, fmt.Sprintf("%d:%s", idx, band))
		idx++
	}
	return bands
}

func storeScanResult(rawURL string, hashes []string) {
	result := ScanResult{URL: normalizeURL(rawURL), Hashes: hashes, Timestamp: time.Now().Unix()}
	resultBytes, _ := json.Marshal(result)

	key := "qs:url:" + urlKey(rawURL)

	// Timeout context so a hung Redis cannot leak goroutines
	opCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb.Set(opCtx, key, resultBytes, 7*24*time.Hour)
}

func callOracleDecision(sig string) AnalysisResult {
	cacheKey := "qs:oracle_cache:" + sig
	if cached, err := rdb.Get(ctx, cacheKey).Result(); err == nil {
		var res AnalysisResult
		if json.Unmarshal([]byte(cached), &res) == nil {
			if res.Action == "malicious" {
				atomic.AddInt64(&cachedPositiveCount, 1)
				promCacheHits.WithLabelValues("positive").Inc()
			} else {
				atomic.AddInt64(&cachedNegativeCount, 1)
				promCacheHits.WithLabelValues("negative").Inc()
			}
			return res
		}
	}

	payload, _ := json.Marshal(map[string]string{
		"node_id":       nodeID,
		"url_signature": sig,
	})

	client := &http.Client{Timeout: 4 * time.Second}
	resp, err := client.Post(oracleURL+"/analyze", "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return AnalysisResult{Action: "allow", ProximityMatch: true}
	}
	defer resp.Body.Close()

	var res struct {
		Result AnalysisResult `json:"result"`
	}
	json.NewDecoder(resp.Body).Decode(&res)

	if res.Result.Action != "" {
		cacheDuration := 5 * time.Minute
		if res.Result.Action == "malicious" {
			// For confirmed URLs: exact cache + LSH bands, like local learning
			cacheDuration = 1 * time.Hour

			data, _ := json.Marshal(res.Result)
			rdb.Set(ctx, cacheKey, data, cacheDuration)

			bands := extractBands_6_3(sig)
			pipe := rdb.Pipeline()
			for _, band := range bands {
				key := OracleCacheFragPrefix + band
				pipe.SAdd(ctx, key, sig)
				pipe.Expire(ctx, key, cacheDuration)
			}
			pipe.Exec(ctx)
		} else {
			// For benign/others: exact cache only
			data, _ := json.Marshal(res.Result)
			rdb.Set(ctx, cacheKey, data, cacheDuration)
		}
		return res.Result
	}

	return AnalysisResult{Action: "allow", ProximityMatch: true}
}
