package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Matches the URL shapes the QR decoder emits, including bare www. hosts.
	reTextURL = regexp.MustCompile(`https?://[^\s\n\r<>"']+|ftp://[^\s\n\r<>"']+|www\.[^\s\n\r<>"']+\.[a-zA-Z]{2,}`)
	// Punctuation the regex tends to drag along from surrounding prose
	reTrailingJunk = regexp.MustCompile(`[.,;:!?)\]}>"']+$`)
)

// ExtractURLFromText pulls the primary URL out of decoded QR text. Returns an
// empty string when no syntactically valid URL is present.
func ExtractURLFromText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	matches := reTextURL.FindAllString(text, -1)
	if len(matches) == 0 {
		return ""
	}

	first := strings.TrimSpace(matches[0])
	first = reTrailingJunk.ReplaceAllString(first, "")

	if strings.HasPrefix(first, "www.") {
		first = "http://" + first
	}

	if u, err := url.Parse(first); err == nil && u.Scheme != "" && u.Host != "" {
		return first
	}
	return ""
}

// LoadDataset reads the persisted corpus: a CSV with a header naming at least
// the url and label columns (the ingestion pipeline also writes source and
// filename provenance). Rows with an empty URL or unparseable label are
// skipped with a diagnostic, never fatal.
func LoadDataset(path string) ([]DatasetRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading dataset header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	urlCol, ok := cols["url"]
	if !ok {
		return nil, fmt.Errorf("dataset %s has no url column", path)
	}
	labelCol, ok := cols["label"]
	if !ok {
		return nil, fmt.Errorf("dataset %s has no label column", path)
	}

	var records []DatasetRecord
	skipped := 0
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			skipped++
			continue
		}
		if urlCol >= len(row) || labelCol >= len(row) {
			skipped++
			continue
		}

		rawURL := strings.TrimSpace(row[urlCol])
		if rawURL == "" {
			skipped++
			continue
		}
		label, err := strconv.Atoi(strings.TrimSpace(row[labelCol]))
		if err != nil || (label != 0 && label != 1) {
			skipped++
			continue
		}

		rec := DatasetRecord{URL: rawURL, Label: label}
		if i, ok := cols["source"]; ok && i < len(row) {
			rec.Source = row[i]
		}
		if i, ok := cols["filename"]; ok && i < len(row) {
			rec.Filename = row[i]
		}
		records = append(records, rec)
	}

	if skipped > 0 {
		log.Printf("[Quishield] Dataset %s: %d rows loaded, %d skipped", path, len(records), skipped)
	}
	return records, nil
}
