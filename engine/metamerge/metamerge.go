// Package metamerge reconciles the three information sources for one file
// (on-disk extraction, primary index entry, cross-reference entry) into a
// single catalog record, validates integrity hashes, and prunes nulls from
// the emitted shape.
package metamerge

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"strings"

	"github.com/dorchlabs/archiver/engine/textmeta"
)

// Hashes holds lowercase hex digests computed over the decompressed bytes.
type Hashes struct {
	MD5    string
	SHA1   string
	SHA256 string
}

// ComputeHashes digests data with md5, sha1, and sha256.
func ComputeHashes(data []byte) Hashes {
	m := md5.Sum(data)
	s1 := sha1.Sum(data)
	s256 := sha256.Sum256(data)
	return Hashes{
		MD5:    hex.EncodeToString(m[:]),
		SHA1:   hex.EncodeToString(s1[:]),
		SHA256: hex.EncodeToString(s256[:]),
	}
}

// Integrity is the outcome of comparing computed hashes against the
// primary index's expected set.
type Integrity struct {
	OK      bool
	Message string
}

// CheckIntegrity compares each expected hash that is present against the
// computed one, case-insensitively. Missing expected hashes are ignored.
func CheckIntegrity(computed Hashes, expected map[string]any) Integrity {
	var mismatched []string
	check := func(algo, got string) {
		want, _ := expected[algo].(string)
		want = strings.ToLower(strings.TrimSpace(want))
		if want == "" || got == "" {
			return
		}
		if want != strings.ToLower(got) {
			mismatched = append(mismatched, algo)
		}
	}
	check("md5", computed.MD5)
	check("sha1", computed.SHA1)
	check("sha256", computed.SHA256)

	if len(mismatched) > 0 {
		return Integrity{Message: "Integrity check failed: " + strings.Join(mismatched, ", ")}
	}
	return Integrity{OK: true}
}

// Params are the inputs to BuildRecord. Primary must be non-nil; the rest
// are optional.
type Params struct {
	SHA1      string
	URL       string
	Computed  Hashes
	Extracted *textmeta.Extracted
	Primary   map[string]any
	CrossRef  map[string]any
	Integrity *Integrity
}

// BuildRecord merges the sources with precedence extracted > primary index
// > cross-reference and returns the null-pruned catalog record.
func BuildRecord(p Params) map[string]any {
	primary := p.Primary
	if primary == nil {
		primary = map[string]any{}
	}
	extracted := p.Extracted
	if extracted == nil {
		extracted = textmeta.Unknown("no extraction performed")
	}

	ig, _ := p.CrossRef["content"].(map[string]any)
	igTitle := getString(ig, "title")
	igAuthor := getString(ig, "author")
	igDesc := getString(ig, "description")
	igTextfile := getString(ig, "textfile")

	primaryNames := stringList(primary["names"])

	title := pickFirst(
		first(extracted.Names),
		first(primaryNames),
		igTitle,
	)

	var igAuthors []string
	if igAuthor != "" {
		igAuthors = []string{igAuthor}
	}
	authors := mergeLists(extracted.Authors, stringList(primary["authors"]), igAuthors)

	var igDescs []string
	if igDesc != "" {
		igDescs = []string{textmeta.NormalizeWhitespace(latin1Reencode(igDesc))}
	}
	descriptions := mergeLists(extracted.Descriptions, stringList(primary["descriptions"]), igDescs)

	var textFiles []any
	for _, tf := range extracted.TextFiles {
		textFiles = append(textFiles, map[string]any{
			"path":     tf.Path,
			"size":     tf.Size,
			"contents": tf.Contents,
			"source":   "pk3",
		})
	}
	if igTextfile != "" {
		textFiles = append(textFiles, map[string]any{
			"contents": igTextfile,
			"source":   "idgames",
		})
	}

	var maps any
	if len(extracted.Maps) > 0 {
		maps = extracted.Maps
	} else {
		maps = primary["maps"]
	}

	corrupt, _ := primary["corrupt"].(bool)
	corruptMessage := getString(primary, "corruptMessage")
	if p.Integrity != nil && !p.Integrity.OK {
		corrupt = true
		corruptMessage = p.Integrity.Message
	}

	sha256Top := p.Computed.SHA256
	if sha256Top == "" {
		if hashes, ok := primary["hashes"].(map[string]any); ok {
			sha256Top = getString(hashes, "sha256")
		}
	}

	out := map[string]any{
		"sha1":         p.SHA1,
		"sha256":       sha256Top,
		"title":        title,
		"authors":      toAnyList(authors),
		"descriptions": toAnyList(descriptions),
		"text_files":   textFiles,
		"file": map[string]any{
			"type":           primary["type"],
			"size":           primary["size"],
			"url":            emptyAsNil(p.URL),
			"corrupt":        corruptOrNil(corrupt),
			"corruptMessage": emptyAsNil(corruptMessage),
		},
		"content": map[string]any{
			"maps":          maps,
			"counts":        primary["counts"],
			"engines_guess": primary["engines"],
			"iwads_guess":   primary["iwads"],
		},
		"sources": map[string]any{
			"wad_archive": map[string]any{
				"updated": primary["updated"],
				"hashes":  primary["hashes"],
			},
			"idgames":   compactCrossRef(ig),
			"extracted": CompactExtracted(extracted),
		},
	}
	return PruneNulls(out).(map[string]any)
}

func compactCrossRef(ig map[string]any) map[string]any {
	if ig == nil {
		return nil
	}
	return map[string]any{
		"id":       ig["id"],
		"url":      ig["url"],
		"dir":      ig["dir"],
		"filename": ig["filename"],
		"date":     ig["date"],
		"title":    ig["title"],
		"author":   ig["author"],
		"credits":  ig["credits"],
		"textfile": ig["textfile"],
		"rating":   ig["rating"],
		"votes":    ig["votes"],
	}
}

// CompactExtracted reduces an extraction to its source-record form: zip
// text files lose their contents (carried once at the record's top level),
// keeping only path and size.
func CompactExtracted(e *textmeta.Extracted) map[string]any {
	if e == nil {
		return nil
	}
	out := map[string]any{
		"format":         e.Format,
		"error":          emptyAsNil(e.Error),
		"path":           emptyAsNil(e.Path),
		"maps":           toAnyList(e.Maps),
		"text_lumps":     toAnyList(e.TextLumps),
		"names":          toAnyList(e.Names),
		"authors":        toAnyList(e.Authors),
		"descriptions":   toAnyList(e.Descriptions),
		"tried_prefixes": toAnyList(e.TriedPrefixes),
	}
	if e.LumpCount > 0 {
		out["lump_count"] = e.LumpCount
	}
	var embedded []any
	for _, w := range e.EmbeddedWADs {
		embedded = append(embedded, CompactExtracted(w))
	}
	if embedded != nil {
		out["embedded_wads"] = embedded
	}
	var textFiles []any
	for _, tf := range e.TextFiles {
		textFiles = append(textFiles, map[string]any{
			"path": tf.Path,
			"size": tf.Size,
		})
	}
	if textFiles != nil {
		out["text_files"] = textFiles
	}
	return out
}

// PruneNulls recursively removes keys and elements whose value is null or
// an empty collection, yielding a compact deterministic shape.
func PruneNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			p := PruneNulls(val)
			if isEmptyValue(p) {
				continue
			}
			out[k] = p
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			p := PruneNulls(val)
			if isEmptyValue(p) {
				continue
			}
			out = append(out, p)
		}
		return out
	default:
		return v
	}
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func pickFirst(vals ...string) string {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeLists(lists ...[]string) []string {
	var all []string
	for _, l := range lists {
		all = append(all, l...)
	}
	return textmeta.UniqPreserve(all)
}

func first(l []string) string {
	if len(l) > 0 {
		return l[0]
	}
	return ""
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toAnyList(l []string) []any {
	if len(l) == 0 {
		return nil
	}
	out := make([]any, len(l))
	for i, s := range l {
		out[i] = s
	}
	return out
}

func emptyAsNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func corruptOrNil(b bool) any {
	if !b {
		return nil
	}
	return b
}

// latin1Reencode exposes bytes 128-255 of a mis-decoded description by
// squeezing it back through latin-1 before re-decoding.
func latin1Reencode(s string) string {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r < 256 {
			b = append(b, byte(r))
		} else {
			b = append(b, '?')
		}
	}
	return textmeta.SafeDecode(b)
}
