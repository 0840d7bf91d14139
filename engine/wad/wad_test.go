package wad

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type lumpFixture struct {
	name string
	data []byte
}

// buildWAD assembles an in-memory container: header, lump data in order,
// then the directory.
func buildWAD(sig string, lumps []lumpFixture) []byte {
	var body bytes.Buffer
	offsets := make([]int, len(lumps))
	off := 12
	for i, l := range lumps {
		offsets[i] = off
		body.Write(l.data)
		off += len(l.data)
	}

	var out bytes.Buffer
	out.WriteString(sig)
	binary.Write(&out, binary.LittleEndian, uint32(len(lumps)))
	binary.Write(&out, binary.LittleEndian, uint32(off))
	out.Write(body.Bytes())
	for i, l := range lumps {
		binary.Write(&out, binary.LittleEndian, uint32(offsets[i]))
		binary.Write(&out, binary.LittleEndian, uint32(len(l.data)))
		name := make([]byte, 8)
		copy(name, l.name)
		out.Write(name)
	}
	return out.Bytes()
}

func TestParseDirectoryRoundTrip(t *testing.T) {
	buf := buildWAD("PWAD", []lumpFixture{
		{"MAP01", nil},
		{"THINGS", make([]byte, 20)},
		{"LINEDEFS", make([]byte, 28)},
	})
	dir, err := ParseDirectory(buf)
	if err != nil {
		t.Fatalf("ParseDirectory: %v", err)
	}
	if dir.Type != "PWAD" {
		t.Errorf("type = %q, want PWAD", dir.Type)
	}
	if len(dir.Lumps) != 3 {
		t.Fatalf("lumps = %d, want 3", len(dir.Lumps))
	}
	want := []struct {
		name string
		size int64
	}{{"MAP01", 0}, {"THINGS", 20}, {"LINEDEFS", 28}}
	for i, w := range want {
		if dir.Lumps[i].Name != w.name || dir.Lumps[i].Size != w.size {
			t.Errorf("lump %d = %q/%d, want %q/%d",
				i, dir.Lumps[i].Name, dir.Lumps[i].Size, w.name, w.size)
		}
	}
}

func TestParseDirectoryRejects(t *testing.T) {
	overCount := make([]byte, 12)
	copy(overCount, "PWAD")
	binary.LittleEndian.PutUint32(overCount[4:], 200_001)
	binary.LittleEndian.PutUint32(overCount[8:], 12)

	outOfRange := make([]byte, 12)
	copy(outOfRange, "IWAD")
	binary.LittleEndian.PutUint32(outOfRange[4:], 2)
	binary.LittleEndian.PutUint32(outOfRange[8:], 12)

	cases := []struct {
		name string
		buf  []byte
		want error
	}{
		{"too small", []byte("PWAD"), ErrTooSmall},
		{"bad signature", append([]byte("JUNK"), make([]byte, 8)...), ErrBadSignature},
		{"lump count over cap", overCount, ErrTooManyLumps},
		{"directory out of range", outOfRange, ErrDirOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseDirectory(tc.buf); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestParseDirectoryMaxLumpCountAccepted(t *testing.T) {
	// Exactly 200000 declared lumps is still legal; the directory just has
	// to fit in the buffer.
	buf := make([]byte, 12+MaxLumps*16)
	copy(buf, "PWAD")
	binary.LittleEndian.PutUint32(buf[4:], MaxLumps)
	binary.LittleEndian.PutUint32(buf[8:], 12)
	dir, err := ParseDirectory(buf)
	if err != nil {
		t.Fatalf("ParseDirectory: %v", err)
	}
	if len(dir.Lumps) != MaxLumps {
		t.Errorf("lumps = %d, want %d", len(dir.Lumps), MaxLumps)
	}
}

func TestParseDirectoryClampsOversizedLump(t *testing.T) {
	buf := buildWAD("PWAD", []lumpFixture{{"DATA", []byte{1, 2, 3, 4}}})
	// Inflate the declared size past the end of the file.
	dirOff := binary.LittleEndian.Uint32(buf[8:12])
	binary.LittleEndian.PutUint32(buf[dirOff+4:], 1<<20)

	dir, err := ParseDirectory(buf)
	if err != nil {
		t.Fatalf("ParseDirectory: %v", err)
	}
	l := dir.Lumps[0]
	if got := int64(len(buf)) - l.Offset; l.Size != got {
		t.Errorf("clamped size = %d, want %d", l.Size, got)
	}
	if data := dir.LumpData(buf, l); len(data) != int(l.Size) {
		t.Errorf("LumpData len = %d, want %d", len(data), l.Size)
	}
}

func TestDecodeLumpNameStopsAtNul(t *testing.T) {
	raw := []byte{'M', 'A', 'P', '0', '1', 0, 'X', 'Y'}
	if got := decodeLumpName(raw); got != "MAP01" {
		t.Errorf("name = %q, want MAP01", got)
	}
}

func TestDetectMapsRequiresConfirmation(t *testing.T) {
	buf := buildWAD("PWAD", []lumpFixture{
		{"MAP01", nil},
		{"THINGS", make([]byte, 10)},
		{"LINEDEFS", make([]byte, 14)},
		{"E1M1", nil},
		{"SIDEDEFS", make([]byte, 30)},
		{"SECTORS", make([]byte, 26)},
		{"MAP02", nil},
		{"THINGS", make([]byte, 10)},
		{"LINEDEFS", make([]byte, 14)},
	})
	dir, err := ParseDirectory(buf)
	if err != nil {
		t.Fatalf("ParseDirectory: %v", err)
	}
	maps := dir.DetectMaps()
	want := []string{"MAP01", "MAP02"}
	if len(maps) != len(want) {
		t.Fatalf("maps = %v, want %v", maps, want)
	}
	for i := range want {
		if maps[i] != want[i] {
			t.Errorf("maps[%d] = %q, want %q", i, maps[i], want[i])
		}
	}
}

func TestDetectMapsDeduplicates(t *testing.T) {
	buf := buildWAD("PWAD", []lumpFixture{
		{"MAP01", nil},
		{"THINGS", make([]byte, 10)},
		{"LINEDEFS", make([]byte, 14)},
		{"MAP01", nil},
		{"THINGS", make([]byte, 10)},
		{"LINEDEFS", make([]byte, 14)},
	})
	dir, _ := ParseDirectory(buf)
	if maps := dir.DetectMaps(); len(maps) != 1 || maps[0] != "MAP01" {
		t.Errorf("maps = %v, want [MAP01]", maps)
	}
}

func TestMapBlocksSplitOnMarkersAlone(t *testing.T) {
	// A marker with only texture lumps still gets its own block; the
	// confirmation window only gates DetectMaps.
	buf := buildWAD("PWAD", []lumpFixture{
		{"CREDIT", make([]byte, 4)},
		{"E1M1", nil},
		{"SIDEDEFS", make([]byte, 30)},
		{"SECTORS", make([]byte, 26)},
		{"MAP02", nil},
		{"THINGS", make([]byte, 10)},
	})
	dir, _ := ParseDirectory(buf)
	blocks := dir.MapBlocks()
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	if blocks[0].Name != "E1M1" || len(blocks[0].Lumps) != 3 {
		t.Errorf("block 0 = %s/%d lumps, want E1M1/3", blocks[0].Name, len(blocks[0].Lumps))
	}
	if blocks[1].Name != "MAP02" || len(blocks[1].Lumps) != 2 {
		t.Errorf("block 1 = %s/%d lumps, want MAP02/2", blocks[1].Name, len(blocks[1].Lumps))
	}
	if blocks[0].Find("SECTORS") == nil {
		t.Error("block 0 missing SECTORS")
	}
	if blocks[0].Find("THINGS") != nil {
		t.Error("block 0 should not see the next block's THINGS")
	}
}

func TestIsMapMarker(t *testing.T) {
	cases := map[string]bool{
		"MAP01":  true,
		"map31":  true,
		"E1M1":   true,
		"E9M9":   true,
		"MAP1":   false,
		"E1M":    false,
		"MAP011": false,
		"DEMO1":  false,
	}
	for name, want := range cases {
		if got := IsMapMarker(name); got != want {
			t.Errorf("IsMapMarker(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestExtForType(t *testing.T) {
	cases := map[string]string{
		"PWAD":    "wad",
		"iwad":    "wad",
		"ZWAD":    "wad",
		"WAD2":    "wad2",
		"PK3":     "pk3",
		"PKE":     "pke",
		"":        "wad",
		"UNKNOWN": "wad",
	}
	for declared, want := range cases {
		if got := ExtForType(declared); got != want {
			t.Errorf("ExtForType(%q) = %q, want %q", declared, got, want)
		}
	}
}
