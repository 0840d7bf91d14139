// Package mapstats decodes the binary map lumps of a classic container
// (THINGS, LINEDEFS, SIDEDEFS, SECTORS and friends) into per-map structured
// summaries, and merges summaries across multiple WADs in load order.
package mapstats

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"strings"

	"github.com/dorchlabs/archiver/engine/wad"
)

// Map format identifiers.
const (
	FormatDoom    = "doom"
	FormatHexen   = "hexen"
	FormatUnknown = "unknown"
)

// Record sizes in bytes.
const (
	doomThingsRec    = 10
	hexenThingsRec   = 20
	doomLinedefsRec  = 14
	hexenLinedefsRec = 16
	sidedefsRec      = 30
	vertexesRec      = 4
	sectorsRec       = 26
	segsRec          = 12
	ssectorsRec      = 4
	nodesRec         = 28
)

// Summary is the structured output for one map block.
type Summary struct {
	Map           string     `json:"map"`
	Format        string     `json:"format"`
	Stats         Stats      `json:"stats"`
	Monsters      Census     `json:"monsters"`
	Items         Census     `json:"items"`
	Mechanics     Mechanics  `json:"mechanics"`
	Difficulty    Difficulty `json:"difficulty"`
	Compatibility string     `json:"compatibility"`
}

// Stats holds lump record counts plus the texture histogram.
type Stats struct {
	Things   int            `json:"things"`
	Linedefs int            `json:"linedefs"`
	Sidedefs int            `json:"sidedefs"`
	Vertices int            `json:"vertices"`
	Sectors  int            `json:"sectors"`
	Segs     int            `json:"segs"`
	Ssectors int            `json:"ssectors"`
	Nodes    int            `json:"nodes"`
	Textures map[string]int `json:"textures"`
}

// Census is a total plus a per-name breakdown.
type Census struct {
	Total  int    `json:"total"`
	ByType ByType `json:"by_type"`
}

// TypeCount is one entry of a breakdown.
type TypeCount struct {
	Name  string
	Count int
}

// ByType is a breakdown ordered by descending count, then name ascending.
// It marshals as a JSON object preserving that order.
type ByType []TypeCount

func (b ByType) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, tc := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		name, err := json.Marshal(tc.Name)
		if err != nil {
			return nil, err
		}
		sb.Write(name)
		sb.WriteByte(':')
		count, err := json.Marshal(tc.Count)
		if err != nil {
			return nil, err
		}
		sb.Write(count)
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// Get returns the count for name, or 0.
func (b ByType) Get(name string) int {
	for _, tc := range b {
		if tc.Name == name {
			return tc.Count
		}
	}
	return 0
}

func sortedByType(m map[string]int) ByType {
	out := make(ByType, 0, len(m))
	for name, count := range m {
		out = append(out, TypeCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Mechanics captures gameplay features scraped from things and linedefs.
type Mechanics struct {
	Teleports  bool     `json:"teleports"`
	Keys       []string `json:"keys"`
	SecretExit bool     `json:"secret_exit"`
}

// Difficulty splits monster and item placements across the three skill
// buckets encoded in the thing flag bits.
type Difficulty struct {
	UVMonsters  int `json:"uv_monsters"`
	HMPMonsters int `json:"hmp_monsters"`
	HTRMonsters int `json:"htr_monsters"`
	UVItems     int `json:"uv_items"`
	HMPItems    int `json:"hmp_items"`
	HTRItems    int `json:"htr_items"`
}

// DetectFormat classifies a map block by record-size divisibility of its
// LINEDEFS and THINGS lumps. A block missing either lump is unknown; zero
// sizes would otherwise divide evenly by every record size. When both
// layouts fit, a BEHAVIOR lump in the block breaks the tie toward hexen.
func DetectFormat(block *wad.MapBlock) string {
	things := block.Find("THINGS")
	linedefs := block.Find("LINEDEFS")
	if things == nil || linedefs == nil {
		return FormatUnknown
	}

	doomOK := linedefs.Size%doomLinedefsRec == 0 && things.Size%doomThingsRec == 0
	hexenOK := linedefs.Size%hexenLinedefsRec == 0 && things.Size%hexenThingsRec == 0

	switch {
	case doomOK && hexenOK:
		if block.Find("BEHAVIOR") != nil {
			return FormatHexen
		}
		return FormatDoom
	case doomOK:
		return FormatDoom
	case hexenOK:
		return FormatHexen
	default:
		return FormatUnknown
	}
}

// Summarize decodes one map block of buf into a Summary.
func Summarize(buf []byte, dir *wad.Directory, block *wad.MapBlock) Summary {
	format := DetectFormat(block)

	thingsRec := int64(doomThingsRec)
	linedefsRec := int64(doomLinedefsRec)
	if format != FormatDoom {
		thingsRec = hexenThingsRec
		linedefsRec = hexenLinedefsRec
	}

	count := func(name string, rec int64) int {
		l := block.Find(name)
		if l == nil || rec <= 0 {
			return 0
		}
		return int(l.Size / rec)
	}

	s := Summary{
		Map:    block.Name,
		Format: format,
		Stats: Stats{
			Things:   count("THINGS", thingsRec),
			Linedefs: count("LINEDEFS", linedefsRec),
			Sidedefs: count("SIDEDEFS", sidedefsRec),
			Vertices: count("VERTEXES", vertexesRec),
			Sectors:  count("SECTORS", sectorsRec),
			Segs:     count("SEGS", segsRec),
			Ssectors: count("SSECTORS", ssectorsRec),
			Nodes:    count("NODES", nodesRec),
			Textures: textureHistogram(buf, dir, block),
		},
		Monsters:  Census{ByType: ByType{}},
		Items:     Census{ByType: ByType{}},
		Mechanics: Mechanics{Keys: []string{}},
	}

	switch format {
	case FormatDoom:
		s.Compatibility = "vanilla_or_boom"
	case FormatHexen:
		s.Compatibility = FormatHexen
	default:
		s.Compatibility = FormatUnknown
	}

	if l := block.Find("LINEDEFS"); l != nil {
		specials := linedefSpecials(dir.LumpData(buf, *l), format)
		for _, sp := range specials {
			if teleportSpecials[sp] {
				s.Mechanics.Teleports = true
			}
			if secretExitSpecials[sp] {
				s.Mechanics.SecretExit = true
			}
		}
	}

	// Detailed thing stats only for the Doom layout; the Hexen record is
	// recognized for counting alone.
	if l := block.Find("THINGS"); l != nil && format == FormatDoom {
		summarizeThings(dir.LumpData(buf, *l), &s)
	}

	return s
}

func i16(b []byte, off int) int16 {
	return int16(binary.LittleEndian.Uint16(b[off : off+2]))
}

// linedefSpecials extracts the special field from every linedef record.
// Both layouts keep it at the fourth leading int16.
func linedefSpecials(data []byte, format string) []int16 {
	rec := doomLinedefsRec
	if format != FormatDoom {
		rec = hexenLinedefsRec
	}
	if len(data)%rec != 0 {
		return nil
	}
	out := make([]int16, 0, len(data)/rec)
	for off := 0; off+rec <= len(data); off += rec {
		out = append(out, i16(data, off+6))
	}
	return out
}

func summarizeThings(data []byte, s *Summary) {
	if len(data)%doomThingsRec != 0 {
		return
	}

	keySet := make(map[string]bool)
	monstersByType := make(map[string]int)
	itemsByType := make(map[string]int)

	for off := 0; off+doomThingsRec <= len(data); off += doomThingsRec {
		ttype := i16(data, off+6)
		flags := i16(data, off+8)

		if name, ok := keyThingNames[ttype]; ok {
			keySet[name] = true
		}

		if name, ok := monsterThingNames[ttype]; ok {
			s.Monsters.Total++
			monstersByType[name]++
			if flags&(1<<2) != 0 {
				s.Difficulty.UVMonsters++
			}
			if flags&(1<<1) != 0 {
				s.Difficulty.HMPMonsters++
			}
			if flags&(1<<0) != 0 {
				s.Difficulty.HTRMonsters++
			}
		}

		if name, ok := pickupThingNames[ttype]; ok {
			s.Items.Total++
			itemsByType[name]++
			if flags&(1<<2) != 0 {
				s.Difficulty.UVItems++
			}
			if flags&(1<<1) != 0 {
				s.Difficulty.HMPItems++
			}
			if flags&(1<<0) != 0 {
				s.Difficulty.HTRItems++
			}
		}
	}

	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.Mechanics.Keys = keys
	s.Monsters.ByType = sortedByType(monstersByType)
	s.Items.ByType = sortedByType(itemsByType)
}

// textureHistogram aggregates texture occurrences across SIDEDEFS
// (upper/lower/middle) and SECTORS (floor/ceiling). It is a bag: each
// occurrence counts. The `-` placeholder and empty names are excluded.
func textureHistogram(buf []byte, dir *wad.Directory, block *wad.MapBlock) map[string]int {
	out := make(map[string]int)

	add := func(raw []byte) {
		name := texName(raw)
		if name == "" || name == "-" {
			return
		}
		out[name]++
	}

	if l := block.Find("SIDEDEFS"); l != nil {
		data := dir.LumpData(buf, *l)
		for off := 0; off+sidedefsRec <= len(data); off += sidedefsRec {
			add(data[off+4 : off+12])  // upper
			add(data[off+12 : off+20]) // lower
			add(data[off+20 : off+28]) // middle
		}
	}
	if l := block.Find("SECTORS"); l != nil {
		data := dir.LumpData(buf, *l)
		for off := 0; off+sectorsRec <= len(data); off += sectorsRec {
			add(data[off+4 : off+12])  // floor
			add(data[off+12 : off+20]) // ceiling
		}
	}
	return out
}

func texName(raw []byte) string {
	if i := strings.IndexByte(string(raw), 0); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToUpper(strings.TrimSpace(string(raw)))
}
