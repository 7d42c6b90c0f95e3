package platform

// Curriculum item classes reported by the API.
const (
	ClassChapter = "chapter"
	ClassLecture = "lecture"
	ClassQuiz    = "quiz"
)

// Asset types reported by the API.
const (
	AssetVideo        = "Video"
	AssetArticle      = "Article"
	AssetFile         = "File"
	AssetEBook        = "E-book"
	AssetExternalLink = "ExternalLink"
)

// Video source content types.
const (
	SourceMP4 = "video/mp4"
	SourceHLS = "application/x-mpegURL"
)

// CourseSummary is one entry of the subscribed-courses listing.
type CourseSummary struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	IsDRMed bool   `json:"is_drmed"`
}

// CurriculumItem is one raw entry of the curriculum listing. Chapters and
// lectures arrive interleaved in a flat list; ObjectIndex carries the
// platform's structural position.
type CurriculumItem struct {
	ID                  int64   `json:"id"`
	Class               string  `json:"_class"`
	Title               string  `json:"title"`
	Description         string  `json:"description"`
	ObjectIndex         int     `json:"object_index"`
	SortOrder           int     `json:"sort_order"`
	Asset               *Asset  `json:"asset"`
	SupplementaryAssets []Asset `json:"supplementary_assets"`
}

func (i CurriculumItem) IsChapter() bool { return i.Class == ClassChapter }
func (i CurriculumItem) IsLecture() bool { return i.Class == ClassLecture }

// Asset is the raw media metadata attached to a lecture. Opaque to the rest
// of the system until the resolver classifies it.
type Asset struct {
	ID                int64         `json:"id"`
	AssetType         string        `json:"asset_type"`
	Title             string        `json:"title"`
	Body              string        `json:"body"`
	FileSize          int64         `json:"file_size"`
	StreamURLs        *StreamURLs   `json:"stream_urls"`
	DownloadURLs      *DownloadURLs `json:"download_urls"`
	Captions          []Caption     `json:"captions"`
	MediaLicenseToken string        `json:"media_license_token"`
}

// Protected reports whether the asset requires the protected playback path.
func (a *Asset) Protected() bool {
	return a != nil && a.MediaLicenseToken != ""
}

// StreamURLs lists the playable sources of a video asset.
type StreamURLs struct {
	Video []VideoSource `json:"Video"`
}

// VideoSource is a single quality variant: a progressive file or an
// adaptive-stream manifest, depending on Type.
type VideoSource struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	File  string `json:"file"`
}

// DownloadURLs lists directly downloadable files of an asset.
type DownloadURLs struct {
	File []FileSource `json:"File"`
}

type FileSource struct {
	Label string `json:"label"`
	File  string `json:"file"`
}

// Caption is a subtitle track attached to a video asset.
type Caption struct {
	ID       int64  `json:"id"`
	Locale   string `json:"video_label"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
}

// CurriculumPage is one page of the curriculum listing.
type CurriculumPage struct {
	Items   []CurriculumItem
	Count   int
	HasNext bool
}
