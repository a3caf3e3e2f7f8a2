// Package charts names the interface for chart rendering from
// time-series files. Out of scope: no implementation ships.
package charts

import "context"

// Renderer renders a chart image for an item's historical series over
// the given period (e.g. "4h", "1d").
type Renderer interface {
	Render(ctx context.Context, itemName, period string) (image []byte, contentType string, err error)
}
