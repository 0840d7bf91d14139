// Package textmeta harvests best-effort titles, authors, and descriptions
// from engine text lumps in classic containers and from readme-like files
// in zip-family containers. It does not attempt to fully parse any of the
// mod-definition formats; it is a conservative keyword scrape.
package textmeta

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dorchlabs/archiver/engine/wad"
)

// Extraction formats.
const (
	FormatWAD     = "wad"
	FormatZip     = "zip"
	FormatUnknown = "unknown"
)

// Size limits for the scrape.
const (
	maxLumpText     = 256_000
	maxTextFiles    = 20
	maxTextFileSize = 200_000
	dehackedSnippet = 4000
	readmeSnippet   = 8000
)

// TextFile is one text-like zip entry carried in full in the extraction.
type TextFile struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Contents string `json:"contents,omitempty"`
}

// Extracted is the on-disk extraction result for one container, classic or
// zip-family. Unknown-format results carry a human-readable Error and are
// never fatal to the pipeline.
type Extracted struct {
	Format        string       `json:"format"`
	Error         string       `json:"error,omitempty"`
	Path          string       `json:"path,omitempty"`
	LumpCount     int          `json:"lump_count,omitempty"`
	Maps          []string     `json:"maps,omitempty"`
	TextLumps     []string     `json:"text_lumps,omitempty"`
	EmbeddedWADs  []*Extracted `json:"embedded_wads,omitempty"`
	TextFiles     []TextFile   `json:"text_files,omitempty"`
	Names         []string     `json:"names,omitempty"`
	Authors       []string     `json:"authors,omitempty"`
	Descriptions  []string     `json:"descriptions,omitempty"`
	TriedPrefixes []string     `json:"tried_prefixes,omitempty"`
}

// Unknown builds an unknown-format extraction with an error message.
func Unknown(msg string) *Extracted {
	return &Extracted{Format: FormatUnknown, Error: msg}
}

var textLumpNames = map[string]bool{
	"MAPINFO":  true,
	"ZMAPINFO": true,
	"EMAPINFO": true,
	"DMAPINFO": true,
	"UMAPINFO": true,
	"DEHACKED": true,
	"BEX":      true,
	"SNDINFO":  true,
	"LANGUAGE": true,
	"LOADACS":  true,
	"KEYCONF":  true,
	"ANIMDEFS": true,
	"DECORATE": true,
	"GLDEFS":   true,
	"SBARINFO": true,
	"MENUDEF":  true,
	"CVARINFO": true,
	"TEXTURE1": true,
	"TEXTURE2": true,
}

// nulAllowed lumps are scanned even when the binary heuristic trips.
var nulAllowed = map[string]bool{"DEHACKED": true, "BEX": true}

var textlikeExts = map[string]bool{
	".txt": true, ".md": true,
	".mapinfo": true, ".umapinfo": true,
	".deh": true, ".bex": true,
	".decorate": true, ".zs": true, ".zc": true, ".zsc": true,
	".acs": true, ".cfg": true, ".ini": true,
	".json": true, ".yaml": true, ".yml": true,
	".pk3info": true,
}

var readmeBasenames = map[string]bool{
	"readme.txt": true, "readme.md": true,
	"info.txt": true, "description.txt": true,
}

var (
	levelnameRE = regexp.MustCompile(`(?i)\blevelname\s*=\s*"([^"]+)"`)
	titleRE     = regexp.MustCompile(`(?i)\btitle\s*=\s*"([^"]+)"`)
	authorRE    = regexp.MustCompile(`(?i)\bauthor\s*=\s*"([^"]+)"`)
)

// SafeDecode interprets b as UTF-8, falling back to latin-1 so every byte
// stays visible.
func SafeDecode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

var (
	trailingWS = regexp.MustCompile(`[ \t]+\n`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)
)

// NormalizeWhitespace converts CRLF/CR to LF, trims trailing spaces, and
// collapses runs of three or more blank lines.
func NormalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = trailingWS.ReplaceAllString(s, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// UniqPreserve trims, drops empties, and removes exact duplicates keeping
// first occurrence order.
func UniqPreserve(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

type textBlob struct {
	name string
	text string
}

// textLumps collects decoded text from the closed lump-name set, in
// directory order. Oversized lumps and binary-looking blobs are skipped.
func textLumps(buf []byte, dir *wad.Directory) []textBlob {
	var out []textBlob
	seen := make(map[string]bool)
	for _, l := range dir.Lumps {
		name := strings.ToUpper(l.Name)
		if !textLumpNames[name] || seen[name] {
			continue
		}
		if l.Size <= 0 || l.Size > maxLumpText {
			continue
		}
		chunk := dir.LumpData(buf, l)
		if looksBinary(chunk) && !nulAllowed[name] {
			continue
		}
		text := NormalizeWhitespace(SafeDecode(chunk))
		if text == "" {
			continue
		}
		seen[name] = true
		out = append(out, textBlob{name: name, text: text})
	}
	return out
}

func looksBinary(chunk []byte) bool {
	head := chunk
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.IndexByte(head, 0) >= 0
}

func harvest(blobs []textBlob) (names, authors, descs []string) {
	for _, b := range blobs {
		for _, m := range levelnameRE.FindAllStringSubmatch(b.text, -1) {
			names = append(names, m[1])
		}
		for _, m := range authorRE.FindAllStringSubmatch(b.text, -1) {
			authors = append(authors, m[1])
		}
		for _, m := range titleRE.FindAllStringSubmatch(b.text, -1) {
			names = append(names, m[1])
		}
		if nulAllowed[b.name] {
			descs = append(descs, truncate(b.text, dehackedSnippet))
		}
	}
	return UniqPreserve(names), UniqPreserve(authors), UniqPreserve(descs)
}

func truncate(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	return strings.TrimSpace(s)
}

// ExtractFromWAD parses buf as a classic container and scrapes its text
// lumps. Parse failures yield an unknown-format result.
func ExtractFromWAD(buf []byte) *Extracted {
	dir, err := wad.ParseDirectory(buf)
	if err != nil {
		return Unknown("Not a classic IWAD/PWAD header (or too small/corrupt): " + err.Error())
	}

	blobs := textLumps(buf, dir)
	names, authors, descs := harvest(blobs)

	lumpNames := make([]string, len(blobs))
	for i, b := range blobs {
		lumpNames[i] = b.name
	}

	return &Extracted{
		Format:       FormatWAD,
		LumpCount:    len(dir.Lumps),
		Maps:         dir.DetectMaps(),
		TextLumps:    lumpNames,
		Names:        names,
		Authors:      authors,
		Descriptions: descs,
	}
}

// ExtractFromZip opens buf as a zip-family container: embedded WADs recurse
// into ExtractFromWAD and bubble their harvested lists up; text-like
// entries are collected into TextFiles with readme-ish ones feeding
// descriptions. A bad archive yields an unknown-format result.
func ExtractFromZip(buf []byte) *Extracted {
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return Unknown("Not a valid zip/PK3 container")
	}

	out := &Extracted{Format: FormatZip}
	var names, authors, descs []string

	collected := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		lower := strings.ToLower(f.Name)
		ext := path.Ext(lower)

		if ext == ".wad" || ext == ".iwad" || ext == ".pwad" {
			data, err := readZipEntry(f, 0)
			if err != nil {
				continue
			}
			meta := ExtractFromWAD(data)
			meta.Path = f.Name
			out.EmbeddedWADs = append(out.EmbeddedWADs, meta)
			names = append(names, meta.Names...)
			authors = append(authors, meta.Authors...)
			descs = append(descs, meta.Descriptions...)
			continue
		}

		if collected >= maxTextFiles || !textlikeExts[ext] {
			continue
		}
		size := int64(f.UncompressedSize64)
		if size <= 0 || size > maxTextFileSize {
			continue
		}
		data, err := readZipEntry(f, maxTextFileSize)
		if err != nil || looksBinary(data) {
			continue
		}
		text := NormalizeWhitespace(SafeDecode(data))
		if text == "" {
			continue
		}
		out.TextFiles = append(out.TextFiles, TextFile{Path: f.Name, Size: size, Contents: text})
		base := strings.ToLower(path.Base(lower))
		if readmeBasenames[base] || strings.HasSuffix(base, ".txt") {
			descs = append(descs, truncate(text, readmeSnippet))
		}
		collected++
	}

	out.Names = UniqPreserve(names)
	out.Authors = UniqPreserve(authors)
	out.Descriptions = UniqPreserve(descs)
	return out
}

func readZipEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	return io.ReadAll(r)
}
