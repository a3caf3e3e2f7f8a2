// Package transcode names the interface for RTSP->MP4 transcoding via an
// external encoder. Out of scope: no implementation ships.
package transcode

import "context"

// Transcoder starts transcoding an RTSP source to fragmented MP4, returning
// a path or URL the client can play.
type Transcoder interface {
	Start(ctx context.Context, rtspURL string) (playbackURL string, err error)
	Stop(rtspURL string) error
}
