// Package wad decodes classic Doom-engine containers (IWAD/PWAD): the
// 12-byte header, the lump directory, map-marker blocks, and embedded WADs
// inside zip-family containers (pk3/pk7/pkz/epk/pke).
package wad

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLumps is the sanity cap on the declared lump count.
const MaxLumps = 200_000

const headerSize = 12
const dirEntrySize = 16

// Sentinel parse errors. Callers fold these into an unknown-format
// extraction result; they are never fatal for the pipeline.
var (
	ErrTooSmall     = errors.New("file too small to be a WAD")
	ErrBadSignature = errors.New("not a classic IWAD/PWAD header")
	ErrTooManyLumps = errors.New("unreasonable lump count")
	ErrDirOutOfRange = errors.New("directory extends past end of file")
)

// Lump is one entry of a classic container's directory.
type Lump struct {
	Index  int
	Name   string
	Offset int64
	Size   int64
}

// Directory is the decoded header + lump directory of a classic container.
type Directory struct {
	Type     string // "IWAD" or "PWAD"
	FileSize int64
	Lumps    []Lump
}

// ParseDirectory decodes the header and lump directory from buf.
// Lumps whose data would run past the end of the buffer are kept with the
// size clamped to the in-range remainder, so reads stay best-effort.
func ParseDirectory(buf []byte) (*Directory, error) {
	if len(buf) < headerSize {
		return nil, ErrTooSmall
	}
	sig := string(buf[0:4])
	if sig != "IWAD" && sig != "PWAD" {
		return nil, ErrBadSignature
	}
	count := int64(binary.LittleEndian.Uint32(buf[4:8]))
	dirOff := int64(binary.LittleEndian.Uint32(buf[8:12]))
	if count > MaxLumps {
		return nil, fmt.Errorf("%w: %d", ErrTooManyLumps, count)
	}
	if dirOff+count*dirEntrySize > int64(len(buf)) {
		return nil, ErrDirOutOfRange
	}

	lumps := make([]Lump, 0, count)
	for i := int64(0); i < count; i++ {
		base := dirOff + i*dirEntrySize
		off := int64(binary.LittleEndian.Uint32(buf[base : base+4]))
		size := int64(binary.LittleEndian.Uint32(buf[base+4 : base+8]))
		name := decodeLumpName(buf[base+8 : base+16])
		if off+size > int64(len(buf)) {
			size = int64(len(buf)) - off
			if size < 0 {
				size = 0
			}
		}
		lumps = append(lumps, Lump{Index: int(i), Name: name, Offset: off, Size: size})
	}
	return &Directory{Type: sig, FileSize: int64(len(buf)), Lumps: lumps}, nil
}

// decodeLumpName trims at the first NUL and substitutes the replacement
// rune for non-ASCII bytes.
func decodeLumpName(raw []byte) string {
	if i := indexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	var b strings.Builder
	for _, c := range raw {
		if c < 0x80 {
			b.WriteByte(c)
		} else {
			b.WriteRune('�')
		}
	}
	return b.String()
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// LumpData returns the lump's bytes from the original buffer. Sizes were
// clamped at parse time, so the slice is always in range.
func (d *Directory) LumpData(buf []byte, l Lump) []byte {
	if l.Offset < 0 || l.Offset > int64(len(buf)) {
		return nil
	}
	end := l.Offset + l.Size
	if end > int64(len(buf)) {
		end = int64(len(buf))
	}
	return buf[l.Offset:end]
}

var mapMarkerRE = regexp.MustCompile(`^(MAP[0-9][0-9]|E[0-9]M[0-9])$`)

// IsMapMarker reports whether name (case-folded) is a map marker lump name.
func IsMapMarker(name string) bool {
	return mapMarkerRE.MatchString(strings.ToUpper(strings.TrimSpace(name)))
}

// DetectMaps returns the map markers that look like real maps: the marker
// must be followed, within the next 15 directory entries, by both THINGS
// and LINEDEFS. Order is preserved; duplicates are dropped.
func (d *Directory) DetectMaps() []string {
	names := make([]string, len(d.Lumps))
	for i, l := range d.Lumps {
		names[i] = strings.ToUpper(l.Name)
	}

	var out []string
	seen := make(map[string]bool)
	for i, n := range names {
		if !mapMarkerRE.MatchString(n) {
			continue
		}
		end := i + 1 + 15
		if end > len(names) {
			end = len(names)
		}
		hasThings, hasLinedefs := false, false
		for _, w := range names[i+1 : end] {
			switch w {
			case "THINGS":
				hasThings = true
			case "LINEDEFS":
				hasLinedefs = true
			}
		}
		if hasThings && hasLinedefs && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// MapBlock is the slice of lumps belonging to one map marker: the marker
// itself through the lump before the next marker (or end of directory).
type MapBlock struct {
	Name  string
	Start int
	End   int // exclusive
	Lumps []Lump
}

// Find returns the first lump in the block with the given name
// (case-folded), or nil.
func (b *MapBlock) Find(name string) *Lump {
	name = strings.ToUpper(name)
	for i := range b.Lumps {
		if strings.ToUpper(b.Lumps[i].Name) == name {
			return &b.Lumps[i]
		}
	}
	return nil
}

// MapBlocks splits the directory on map markers alone. Unlike DetectMaps it
// does not require THINGS/LINEDEFS confirmation: per-map statistics are
// computed even for degenerate blocks.
func (d *Directory) MapBlocks() []MapBlock {
	var markers []int
	for i, l := range d.Lumps {
		if mapMarkerRE.MatchString(strings.ToUpper(l.Name)) {
			markers = append(markers, i)
		}
	}

	blocks := make([]MapBlock, 0, len(markers))
	for mi, start := range markers {
		end := len(d.Lumps)
		if mi+1 < len(markers) {
			end = markers[mi+1]
		}
		blocks = append(blocks, MapBlock{
			Name:  strings.ToUpper(d.Lumps[start].Name),
			Start: start,
			End:   end,
			Lumps: d.Lumps[start:end],
		})
	}
	return blocks
}

// typeToExt maps the primary index's declared container type to the
// on-store file extension.
var typeToExt = map[string]string{
	"IWAD": "wad",
	"PWAD": "wad",
	"ZWAD": "wad",
	"WAD2": "wad2",
	"WAD3": "wad3",
	"PK3":  "pk3",
	"PK7":  "pk7",
	"PKZ":  "pkz",
	"EPK":  "epk",
	"PKE":  "pke",
}

// ExtForType returns the storage extension for a declared container type,
// defaulting to "wad" when the type is unknown.
func ExtForType(declared string) string {
	if ext, ok := typeToExt[strings.ToUpper(strings.TrimSpace(declared))]; ok {
		return ext
	}
	return "wad"
}

// ZipExts are the extensions handled as zip-family containers.
var ZipExts = map[string]bool{"pk3": true, "pk7": true, "pkz": true, "epk": true, "pke": true}
