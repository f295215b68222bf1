package main

import (
	"log"
	"math"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/publicsuffix"
)

// featureNames is the single source of truth for the feature vocabulary.
// The model artifact stores this exact ordering; both the success path and the
// zero-vector fallback realize exactly these keys.
var featureNames = []string{
	"url_length", "dot_count", "hyphen_count", "underscore_count", "slash_count",
	"question_mark_count", "equal_count", "at_count", "and_count", "exclamation_count",
	"space_count", "tilde_count", "comma_count", "plus_count", "asterisk_count",
	"hash_count", "dollar_count", "percent_count", "domain_length", "path_length",
	"query_length", "fragment_length", "subdomain_count", "domain_word_count",
	"tld_length", "is_https", "is_http", "has_port", "has_ip", "suspicious_keyword_count",
	"is_shortener", "char_diversity", "digit_ratio", "letter_ratio", "special_char_ratio",
	"has_www", "path_depth", "entropy",
}

var symbolCounters = []struct {
	symbol string
	name   string
}{
	{".", "dot_count"}, {"-", "hyphen_count"}, {"_", "underscore_count"},
	{"/", "slash_count"}, {"?", "question_mark_count"}, {"=", "equal_count"},
	{"@", "at_count"}, {"&", "and_count"}, {"!", "exclamation_count"},
	{" ", "space_count"}, {"~", "tilde_count"}, {",", "comma_count"},
	{"+", "plus_count"}, {"*", "asterisk_count"}, {"#", "hash_count"},
	{"$", "dollar_count"}, {"%", "percent_count"},
}

var suspiciousKeywords = []string{
	"phishing", "malware", "virus", "hack", "steal", "password",
	"account", "verify", "urgent", "limited", "offer", "click",
	"winner", "prize", "free", "gift", "bonus", "promotion",
	"secure", "bank", "paypal", "amazon", "google", "microsoft",
	"update", "confirm", "suspend", "locked", "temporary",
}

var shortenerDomains = []string{
	"bit.ly", "tinyurl.com", "goo.gl", "t.co", "short.link",
	"tiny.cc", "lnkd.in", "rebrand.ly", "ow.ly", "buff.ly",
	"is.gd", "v.gd", "x.co", "po.st", "bc.vc",
}

var (
	// Syntactic dotted-quad only: octets above 255 still count as an IP host.
	reIPHost     = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	reDomainWord = regexp.MustCompile(`[a-zA-Z]+`)
)

// ExtractURLFeatures maps any URL string to the fixed 38-key feature vector.
// It never fails: sub-extractor errors degrade to that group's zero defaults,
// and anything escaping them degrades to the all-zero vector. Pure and safe
// for concurrent use.
func ExtractURLFeatures(rawURL string) (features map[string]float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Quishield] Feature extraction failed for %q: %v", truncateForLog(rawURL), r)
			promFeatureFailures.Inc()
			features = defaultFeatureVector()
		}
	}()

	features = make(map[string]float64, len(featureNames))
	for _, group := range []map[string]float64{
		characterFeatures(rawURL),
		structureFeatures(rawURL),
		domainFeatures(rawURL),
		securityFeatures(rawURL),
		statisticalFeatures(rawURL),
	} {
		for name, value := range group {
			features[name] = value
		}
	}
	return features
}

// defaultFeatureVector returns the all-zero vector over the full vocabulary.
func defaultFeatureVector() map[string]float64 {
	features := make(map[string]float64, len(featureNames))
	for _, name := range featureNames {
		features[name] = 0
	}
	return features
}

// featureVector flattens a feature map into the canonical order. Missing keys
// (there should never be any) read as zero.
func featureVector(features map[string]float64) []float64 {
	vec := make([]float64, len(featureNames))
	for i, name := range featureNames {
		vec[i] = features[name]
	}
	return vec
}

func characterFeatures(rawURL string) map[string]float64 {
	features := make(map[string]float64, len(symbolCounters)+1)
	features["url_length"] = float64(utf8.RuneCountInString(rawURL))
	for _, c := range symbolCounters {
		features[c.name] = float64(strings.Count(rawURL, c.symbol))
	}
	return features
}

func structureFeatures(rawURL string) map[string]float64 {
	features := map[string]float64{
		"domain_length":   0,
		"path_length":     0,
		"query_length":    0,
		"fragment_length": 0,
		"path_depth":      0,
		"is_https":        0,
		"is_http":         0,
		"has_port":        0,
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return features // structure features are best-effort
	}

	features["domain_length"] = float64(utf8.RuneCountInString(netlocOf(u)))
	features["path_length"] = float64(utf8.RuneCountInString(u.EscapedPath()))
	features["query_length"] = float64(utf8.RuneCountInString(u.RawQuery))
	features["fragment_length"] = float64(utf8.RuneCountInString(u.EscapedFragment()))

	depth := 0
	for _, seg := range strings.Split(u.EscapedPath(), "/") {
		if seg != "" {
			depth++
		}
	}
	features["path_depth"] = float64(depth)

	// Case-sensitive on purpose: url.Parse lowercases Scheme, so the flags are
	// checked against the raw string. "HTTPS://" does not count.
	if u.Scheme == "https" && strings.HasPrefix(rawURL, "https:") {
		features["is_https"] = 1
	} else if u.Scheme == "http" && strings.HasPrefix(rawURL, "http:") {
		features["is_http"] = 1
	}

	if u.Port() != "" {
		features["has_port"] = 1
	}
	return features
}

func domainFeatures(rawURL string) map[string]float64 {
	features := map[string]float64{
		"subdomain_count":   0,
		"domain_word_count": 0,
		"tld_length":        0,
		"has_www":           0,
	}

	// Anywhere in the lowercased URL, not anchored to the authority.
	if strings.Contains(strings.ToLower(rawURL), "www.") {
		features["has_www"] = 1
	}

	subdomain, domain, suffix := splitRegistrable(rawURL)
	if subdomain != "" {
		features["subdomain_count"] = float64(len(strings.Split(subdomain, ".")))
	}
	features["domain_word_count"] = float64(len(reDomainWord.FindAllString(domain, -1)))
	features["tld_length"] = float64(utf8.RuneCountInString(suffix))
	return features
}

// splitRegistrable performs a scheme-tolerant subdomain/domain/suffix split.
// It does its own authority parsing and so works on bare hosts like
// "sub.example.co.uk/path" that generic parsing treats as a path.
func splitRegistrable(rawURL string) (subdomain, domain, suffix string) {
	host := strings.TrimSpace(rawURL)
	if i := strings.Index(host, "://"); i != -1 {
		host = host[i+3:]
	}
	host = strings.TrimPrefix(host, "//")
	if i := strings.IndexAny(host, "/?#"); i != -1 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, "@"); i != -1 {
		host = host[i+1:]
	}
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i != -1 {
			host = host[1:i]
		}
	} else if i := strings.Index(host, ":"); i != -1 {
		host = host[:i]
	}
	host = strings.ToLower(strings.Trim(host, "."))

	if host == "" {
		return "", "", ""
	}
	// IP literals and IPv6 hosts have no registrable decomposition.
	if reIPHost.MatchString(host) || strings.Contains(host, ":") {
		return "", host, ""
	}

	ps, icann := publicsuffix.PublicSuffix(host)
	// Private-list rules (e.g. blogspot.com) collapse to their ICANN suffix.
	for !icann && strings.Contains(ps, ".") {
		ps = ps[strings.Index(ps, ".")+1:]
		_, icann = publicsuffix.PublicSuffix(ps)
	}
	if !icann {
		ps = "" // unlisted TLD: the last label becomes the domain
	}

	rest := host
	if ps != "" {
		if host == ps {
			return "", "", ps
		}
		rest = strings.TrimSuffix(host, "."+ps)
	}
	if i := strings.LastIndex(rest, "."); i != -1 {
		return rest[:i], rest[i+1:], ps
	}
	return "", rest, ps
}

func securityFeatures(rawURL string) map[string]float64 {
	features := map[string]float64{
		"has_ip":                   0,
		"suspicious_keyword_count": 0,
		"is_shortener":             0,
	}

	lower := strings.ToLower(rawURL)
	for _, kw := range suspiciousKeywords {
		if strings.Contains(lower, kw) {
			features["suspicious_keyword_count"]++
		}
	}
	for _, d := range shortenerDomains {
		if strings.Contains(lower, d) {
			features["is_shortener"] = 1
			break
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		// Split the whole netloc on the first colon, userinfo included.
		hostPart := netlocOf(u)
		if i := strings.Index(hostPart, ":"); i != -1 {
			hostPart = hostPart[:i]
		}
		if reIPHost.MatchString(hostPart) {
			features["has_ip"] = 1
		}
	}
	return features
}

func statisticalFeatures(rawURL string) map[string]float64 {
	features := map[string]float64{
		"char_diversity":     0,
		"digit_ratio":        0,
		"letter_ratio":       0,
		"special_char_ratio": 0,
		"entropy":            0,
	}

	length := float64(utf8.RuneCountInString(rawURL))
	if length == 0 {
		return features
	}

	var digits, letters float64
	for _, r := range rawURL {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		}
	}

	// Diversity and entropy run over the lowercased string; the denominator
	// stays the original length.
	freq := make(map[rune]int)
	for _, r := range strings.ToLower(rawURL) {
		freq[r]++
	}

	features["char_diversity"] = float64(len(freq)) / length
	features["digit_ratio"] = digits / length
	features["letter_ratio"] = letters / length
	features["special_char_ratio"] = (length - digits - letters) / length

	var entropy float64
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	features["entropy"] = entropy
	return features
}

// netlocOf rebuilds the authority component, userinfo and port included.
func netlocOf(u *url.URL) string {
	if u.User != nil {
		return u.User.String() + "@" + u.Host
	}
	return u.Host
}

func truncateForLog(s string) string {
	if len(s) > MaxURLLogLength {
		return s[:MaxURLLogLength] + "..."
	}
	return s
}
