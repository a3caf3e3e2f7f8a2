// Package iconcache names the interface for icon resizing/caching via an
// external image tool. Out of scope: no implementation ships, only the
// shape a future one would satisfy.
package iconcache

import "context"

// Resizer resizes and caches an icon for a given widget/category name at
// the requested pixel size, returning the cached file's path.
type Resizer interface {
	Resize(ctx context.Context, iconName string, sizePx int) (path string, err error)
}
