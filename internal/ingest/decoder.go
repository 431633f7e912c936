package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Minimum printable run worth keeping when scavenging a malformed
// document. Shorter runs are overwhelmingly binary noise.
const minScavengeRun = 6

// DecodeDocument extracts readable text from an uploaded document
// payload. Valid UTF-8 passes straight through normalization. Anything
// else falls back to scavenging printable runs out of the raw bytes, so
// a malformed or partially binary file still yields whatever prose it
// contains instead of failing the upload.
func DecodeDocument(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if utf8.Valid(data) {
		return NormalizeText(string(data))
	}
	return NormalizeText(scavengeText(data))
}

// scavengeText walks the bytes and keeps runs of printable characters of
// at least minScavengeRun length, joined by single spaces.
func scavengeText(data []byte) string {
	var (
		out strings.Builder
		run strings.Builder
	)
	flush := func() {
		if run.Len() >= minScavengeRun {
			if out.Len() > 0 {
				out.WriteByte(' ')
			}
			out.WriteString(run.String())
		}
		run.Reset()
	}

	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			flush()
			i++
			continue
		}
		if unicode.IsPrint(r) || r == ' ' || r == '\t' {
			run.WriteRune(r)
		} else {
			flush()
		}
		i += size
	}
	flush()
	return out.String()
}
