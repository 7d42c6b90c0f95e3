// Package media classifies raw lecture asset metadata into concrete fetch
// plans. Resolution is the only place free-form platform data is
// interpreted; everything downstream sees typed plans.
package media

// Plan is the resolved description of how to obtain a lecture's media.
// Exactly one variant is produced per lecture and never mutated after
// creation.
type Plan interface {
	isPlan()
}

// SingleFile is a direct download of one media file.
type SingleFile struct {
	URL         string
	Size        int64 // -1 when the platform does not report one
	ContentType string
	Ext         string
}

// SegmentedStream is an adaptive-stream variant reconstructed by fetching
// its segments and concatenating them in playback order.
type SegmentedStream struct {
	SegmentURLs []string
	Container   string
}

// Excluded marks a lecture whose media requires a protected playback path.
type Excluded struct {
	Reason string
}

// Unsupported marks a lecture with no downloadable media, such as an
// external reference.
type Unsupported struct {
	Reason string
}

func (SingleFile) isPlan()      {}
func (SegmentedStream) isPlan() {}
func (Excluded) isPlan()        {}
func (Unsupported) isPlan()     {}

// Fetchable reports whether the plan carries network work for the engine.
func Fetchable(p Plan) bool {
	switch p.(type) {
	case SingleFile, SegmentedStream:
		return true
	default:
		return false
	}
}
