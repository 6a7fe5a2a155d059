/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed words/en.txt
var defaultWords string

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(bytes)/float64(div),
		"kMGTPE"[exp])
}

// loadWords returns the first count words of the vocabulary in path, or of the
// built-in list when path is empty. Every peer of a party must load the same
// list, since cards carry indexes into it.
func loadWords(path string, count int) ([]string, error) {
	data := defaultWords
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = string(raw)
	}

	words := parseWords(data)
	if len(words) < count {
		return nil, fmt.Errorf("vocabulary has %d words, need %d", len(words), count)
	}

	return words[:count], nil
}

func parseWords(data string) []string {
	seen := make(map[string]bool)

	var words []string
	for line := range strings.Lines(data) {
		w := strings.TrimSpace(line)
		if w == "" || strings.HasPrefix(w, "#") || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}

	return words
}
