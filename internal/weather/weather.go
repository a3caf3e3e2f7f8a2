// Package weather names the interface for weather API fetches. Out of
// scope: no implementation ships.
package weather

import "context"

// Conditions is one point-in-time weather observation.
type Conditions struct {
	TempC       float64
	Description string
}

// Fetcher retrieves current conditions for a configured location.
type Fetcher interface {
	Current(ctx context.Context) (Conditions, error)
}
