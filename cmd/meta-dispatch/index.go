package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dorchlabs/archiver/engine/job"
)

// readEntries loads an index file holding either a JSON array of objects
// or line-delimited JSON objects. Non-object elements are skipped.
func readEntries(path string) ([]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var arr []any
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		var out []map[string]any
		for _, v := range arr {
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, nil
	}

	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(trimmed))
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

// entrySHA1 returns the lowered _id hash of an index entry, or "" when it
// is missing or malformed.
func entrySHA1(entry map[string]any) string {
	s, _ := entry["_id"].(string)
	s = strings.ToLower(strings.TrimSpace(s))
	if !job.ValidSHA1(s) {
		return ""
	}
	return s
}

// knownSHA1s collects the valid hashes of the primary index.
func knownSHA1s(entries []map[string]any) map[string]bool {
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if sha1 := entrySHA1(e); sha1 != "" {
			out[sha1] = true
		}
	}
	return out
}

// buildCrossRefLookup maps sha1 to the first cross-reference entry whose
// linked-hash list intersects the known set. Entries without a usable link
// are dropped; first link wins on collision.
func buildCrossRefLookup(entries []map[string]any, known map[string]bool) map[string]map[string]any {
	lookup := make(map[string]map[string]any)
	for _, entry := range entries {
		hashes, ok := entry["hashes"].([]any)
		if !ok || len(hashes) == 0 {
			continue
		}
		for _, h := range hashes {
			s, ok := h.(string)
			if !ok {
				continue
			}
			s = strings.ToLower(s)
			if !known[s] {
				continue
			}
			if _, exists := lookup[s]; !exists {
				lookup[s] = entry
			}
		}
	}
	return lookup
}

// buildSHA1Lookup keys entries by their _id hash, filtered to the known
// set; first entry wins on collision.
func buildSHA1Lookup(entries []map[string]any, known map[string]bool) map[string]map[string]any {
	lookup := make(map[string]map[string]any)
	for _, entry := range entries {
		sha1 := entrySHA1(entry)
		if sha1 == "" || !known[sha1] {
			continue
		}
		if _, exists := lookup[sha1]; !exists {
			lookup[sha1] = entry
		}
	}
	return lookup
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// fetchToFile downloads an index over HTTP into dst.
func fetchToFile(client *http.Client, url, dst string) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", url, resp.Status)
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
