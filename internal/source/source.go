// Package source implements the per-source adapters that detect new items
// for the incremental pollers.
package source

// displayLimit caps announcement body text for the feed.
const displayLimit = 500

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
