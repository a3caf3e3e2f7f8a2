package deltacache

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// structuralHash covers the ordered sequence of keys plus frame markers —
// two pages with the same structural hash have the same widget topology,
// which is the precondition for the diff path being valid.
func structuralHash(order []string) string {
	h := sha1.New()
	h.Write([]byte(strings.Join(order, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// contentHash covers the title plus every entry's rendered fields, in
// order. Two pages with the same content hash are observably identical to
// a client.
func contentHash(title string, order []string, entries map[string]WidgetSnapshot) string {
	h := sha1.New()
	h.Write([]byte(title))
	h.Write([]byte{'\n'})
	for _, key := range order {
		if strings.HasPrefix(key, frameMarker) {
			h.Write([]byte(key))
			h.Write([]byte{'\n'})
			continue
		}
		e := entries[key]
		h.Write([]byte(strings.Join([]string{
			e.Key, e.Label, e.State, e.ValueColor, e.Icon, e.MappingsSignature,
		}, "|")))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
