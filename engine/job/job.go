// Package job defines the queue envelope for metadata work, the subject
// naming scheme for both metadata and image jobs, and their round-trip
// encoding.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subject scheme: dorch.wad.{sha1}.meta and dorch.wad.{wad_id}.img.
const (
	SubjectPrefix = "dorch.wad"
	MetaSuffix    = "meta"
	ImageSuffix   = "img"
)

// Current envelope version.
const Version = 2

var (
	ErrBadPayload = errors.New("job payload must be a JSON object")
	ErrBadSHA1    = errors.New("job sha1 must be 40 hex chars")
	ErrBadWadID   = errors.New("wad_id must be a UUID")
	ErrBadSubject = errors.New("malformed job subject")
)

var sha1RE = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ValidSHA1 reports whether s is a 40-character lowercase hex digest.
func ValidSHA1(s string) bool {
	return sha1RE.MatchString(s)
}

// MetaSubject derives the metadata subject for a file hash.
func MetaSubject(sha1 string) string {
	return SubjectPrefix + "." + strings.ToLower(strings.TrimSpace(sha1)) + "." + MetaSuffix
}

// ImageSubject derives the image subject for a catalog wad id.
func ImageSubject(wadID string) string {
	return SubjectPrefix + "." + strings.ToLower(strings.TrimSpace(wadID)) + "." + ImageSuffix
}

// SHA1FromSubject recovers the file hash from a metadata subject. The
// prefix may vary in length; only the last two segments are interpreted.
func SHA1FromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 || parts[len(parts)-1] != MetaSuffix {
		return "", fmt.Errorf("%w: %q", ErrBadSubject, subject)
	}
	sha1 := strings.ToLower(strings.TrimSpace(parts[len(parts)-2]))
	if !ValidSHA1(sha1) {
		return "", fmt.Errorf("%w: %q", ErrBadSHA1, sha1)
	}
	return sha1, nil
}

// WadIDFromSubject recovers the catalog wad id from an image subject.
func WadIDFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 || parts[len(parts)-1] != ImageSuffix {
		return "", fmt.Errorf("%w: %q", ErrBadSubject, subject)
	}
	wadID := strings.ToLower(strings.TrimSpace(parts[len(parts)-2]))
	if _, err := uuid.Parse(wadID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadWadID, wadID)
	}
	return wadID, nil
}

// MsgID is the per-subject dedupe id for a metadata job.
func MsgID(sha1 string) string {
	return "dorch-meta:" + sha1
}

// Meta is the metadata job envelope published on the queue.
type Meta struct {
	Version      int            `json:"version"`
	SHA1         string         `json:"sha1"`
	WadEntry     map[string]any `json:"wad_entry"`
	IdgamesEntry map[string]any `json:"idgames_entry"`
	ReadmesEntry map[string]any `json:"readmes_entry"`
	DispatchedAt float64        `json:"dispatched_at"`
}

// Encode serializes the envelope as UTF-8 JSON.
func (j *Meta) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeMeta parses and validates a queue payload. A missing or
// non-positive dispatched_at is replaced with the current wall time.
func DecodeMeta(payload []byte) (*Meta, error) {
	var j Meta
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if j.Version == 0 {
		j.Version = 1
	}
	j.SHA1 = strings.ToLower(strings.TrimSpace(j.SHA1))
	if !ValidSHA1(j.SHA1) {
		return nil, fmt.Errorf("%w: %q", ErrBadSHA1, j.SHA1)
	}
	if j.WadEntry == nil {
		return nil, errors.New("job wad_entry must be an object")
	}
	if j.DispatchedAt <= 0 {
		j.DispatchedAt = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	return &j, nil
}
