// Package tts synthesizes narration audio and caches it on disk keyed by a
// fingerprint of the synthesis inputs. The cache is shared between server
// and worker processes; writes go through temp files and renames so a
// half-written entry is never visible under its final name.
package tts

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/clipjoint/renderd/internal/project"
)

// Request carries everything that shapes the synthesized audio. Two
// requests with equal fields always map to the same cache entry.
type Request struct {
	Text          string
	Language      string
	VoiceID       string
	VoiceSampleID string
	Rate          float64
	Volume        float64
	Pitch         float64
}

// RequestForSegment builds the synthesis request for a narration segment.
func RequestForSegment(seg *project.Segment) Request {
	return Request{
		Text:          seg.Text,
		Language:      seg.Language,
		VoiceID:       seg.VoiceID,
		VoiceSampleID: seg.VoiceSampleID,
		Rate:          seg.Rate,
		Volume:        seg.Volume,
		Pitch:         seg.Pitch,
	}
}

// Fingerprint derives the cache key: sha256 over the request fields with
// length-prefixed framing, so no combination of field values can collide by
// concatenation. Hex encoded; the first two characters shard the cache
// directory.
func Fingerprint(req Request) string {
	h := sha256.New()
	fields := []string{
		req.Text,
		req.VoiceID,
		req.Language,
		formatFloat(req.Rate),
		formatFloat(req.Volume),
		formatFloat(req.Pitch),
		req.VoiceSampleID,
	}
	for _, field := range fields {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(field)))
		h.Write(length[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
