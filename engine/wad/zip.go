package wad

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

// EmbeddedWAD is a classic container found inside a zip-family archive.
type EmbeddedWAD struct {
	Path string
	Data []byte
	Dir  *Directory
}

// maxEmbeddedSize bounds how much of a single archive member is read.
const maxEmbeddedSize = 512 << 20

// EmbeddedWADs opens buf as a zip archive and returns every member with a
// .wad/.iwad/.pwad extension that parses as a classic container, in archive
// entry order. Members that fail to parse are skipped; an unreadable
// archive is an error.
func EmbeddedWADs(buf []byte) ([]EmbeddedWAD, error) {
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("open zip container: %w", err)
	}

	var out []EmbeddedWAD
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(f.Name), "."))
		if ext != "wad" && ext != "iwad" && ext != "pwad" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxEmbeddedSize))
		rc.Close()
		if err != nil {
			continue
		}
		dir, err := ParseDirectory(data)
		if err != nil {
			continue
		}
		out = append(out, EmbeddedWAD{Path: f.Name, Data: data, Dir: dir})
	}
	return out, nil
}

// IsZipData sniffs the local-file-header magic of a zip archive.
func IsZipData(buf []byte) bool {
	return len(buf) >= 4 && buf[0] == 'P' && buf[1] == 'K' &&
		(buf[2] == 3 || buf[2] == 5 || buf[2] == 7)
}
