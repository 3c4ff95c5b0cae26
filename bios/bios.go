// Package bios pulls, rewrites, pushes, and verifies BIOS settings
// through vendor-specific channels. The engine runs a fixed
// pull, modify, push, verify sequence per server; adapters hide whether
// settings travel over the Supermicro vendor tool or Redfish. Vendors
// without a working channel get a placeholder document so workflows can
// record the gap and move on.
package bios

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Document is a flat BIOS settings snapshot keyed by setting name.
type Document map[string]string

// placeholderNote marks documents synthesized for vendors without a
// working settings channel.
const placeholderNote = "not yet implemented"

// Placeholder builds the stand-in document recorded for unsupported
// vendors.
func Placeholder() Document {
	return Document{"Note": placeholderNote}
}

// IsPlaceholder reports whether d was synthesized rather than pulled
// from hardware.
func (d Document) IsPlaceholder() bool {
	return d["Note"] == placeholderNote
}

// Clone returns an independent copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Keys returns the setting names in sorted order.
func (d Document) Keys() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fingerprint hashes the document as sorted key=value lines. Equal
// content yields equal fingerprints regardless of map order.
func (d Document) Fingerprint() string {
	h := sha256.New()
	for _, k := range d.Keys() {
		fmt.Fprintf(h, "%s=%s\n", k, d[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParseDocument reads a vendor tool settings dump. Lines are key=value;
// blank lines, comment lines, and [section] headers are skipped, and
// trailing // annotations are stripped from values. Duplicate keys keep
// the last occurrence.
func ParseDocument(raw string) Document {
	doc := Document{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if i := strings.Index(value, "//"); i >= 0 {
			value = value[:i]
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		doc[key] = strings.TrimSpace(value)
	}
	return doc
}

// FormatDocument renders the document as sorted key=value lines, the
// shape ParseDocument reads back.
func FormatDocument(d Document) string {
	var b strings.Builder
	for _, k := range d.Keys() {
		fmt.Fprintf(&b, "%s=%s\n", k, d[k])
	}
	return b.String()
}

// Change is one setting rewrite. Old is the pulled value, empty when
// the setting was absent.
type Change struct {
	Key string `json:"key"`
	Old string `json:"old"`
	New string `json:"new"`
}

// Diff lists the desired settings whose current value differs, sorted
// by key. Settings the desired document does not mention are left
// alone.
func Diff(current, desired Document) []Change {
	var changes []Change
	for _, k := range desired.Keys() {
		if cur, want := current[k], desired[k]; cur != want {
			changes = append(changes, Change{Key: k, Old: cur, New: want})
		}
	}
	return changes
}
