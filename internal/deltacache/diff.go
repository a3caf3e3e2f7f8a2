package deltacache

// Diff compares a previous and current snapshot that share a structural
// hash and returns the entries that changed. ok is false if any key
// present in the new snapshot is absent from the old one — the caller
// must then bail out to a full-page response, since a missing key means
// the "same structure" assumption doesn't actually hold entry-for-entry.
func Diff(old, cur PageSnapshot) (changes []WidgetSnapshot, ok bool) {
	for _, key := range cur.Order {
		if key == "" {
			continue
		}
		curEntry, isWidget := cur.Entries[key]
		if !isWidget {
			continue // frame marker, nothing to diff
		}
		oldEntry, present := old.Entries[key]
		if !present {
			return nil, false
		}
		if widgetChanged(oldEntry, curEntry) {
			changes = append(changes, curEntry)
		}
	}
	return changes, true
}

func widgetChanged(a, b WidgetSnapshot) bool {
	return a.Label != b.Label ||
		a.State != b.State ||
		a.ValueColor != b.ValueColor ||
		a.Icon != b.Icon ||
		a.MappingsSignature != b.MappingsSignature
}
