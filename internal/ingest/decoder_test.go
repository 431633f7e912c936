package ingest

import (
	"strings"
	"testing"
)

func TestDecodeDocumentPlainText(t *testing.T) {
	got := DecodeDocument([]byte("Hello,\n  world.\tThis is   plain text."))
	want := "Hello, world. This is plain text."
	if got != want {
		t.Errorf("DecodeDocument = %q, want %q", got, want)
	}
}

func TestDecodeDocumentScavengesMalformedBytes(t *testing.T) {
	payload := []byte{0xff, 0xfe, 0x00, 0x01}
	payload = append(payload, []byte("Refund policy: 30 days")...)
	payload = append(payload, 0x00, 0x1b, 0x80)
	payload = append(payload, []byte("Contact support by email")...)
	payload = append(payload, 0xff)

	got := DecodeDocument(payload)
	if !strings.Contains(got, "Refund policy: 30 days") {
		t.Errorf("scavenged text missing first run: %q", got)
	}
	if !strings.Contains(got, "Contact support by email") {
		t.Errorf("scavenged text missing second run: %q", got)
	}
}

func TestDecodeDocumentDropsShortNoiseRuns(t *testing.T) {
	payload := []byte{0x00, 'a', 'b', 0x00, 0xff}
	payload = append(payload, []byte("real sentence content")...)
	payload = append(payload, 0x00)

	got := DecodeDocument(payload)
	if strings.Contains(got, "ab") && !strings.Contains(got, "real") {
		t.Errorf("kept noise but lost content: %q", got)
	}
	if !strings.Contains(got, "real sentence content") {
		t.Errorf("lost real content: %q", got)
	}
	if strings.HasPrefix(got, "ab") {
		t.Errorf("short noise run survived: %q", got)
	}
}

func TestDecodeDocumentEmpty(t *testing.T) {
	if got := DecodeDocument(nil); got != "" {
		t.Errorf("DecodeDocument(nil) = %q, want empty", got)
	}
}
