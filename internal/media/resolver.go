package media

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/coursepull/coursepull/internal/course"
	"github.com/coursepull/coursepull/internal/logctx"
	"github.com/coursepull/coursepull/internal/platform"
)

// Exclusion reasons surfaced in the run summary.
const (
	ReasonProtected       = "protected"
	ReasonProtectedStream = "protected stream"
	ReasonNoAsset         = "no asset"
	ReasonNoSource        = "no retrievable source"
)

// ManifestFetcher reads stream manifest text. Fetching a manifest does not
// itself download media.
type ManifestFetcher interface {
	FetchText(ctx context.Context, rawurl string) (string, error)
}

// Resolver classifies lecture assets into fetch plans. Stateless; safe for
// concurrent use.
type Resolver struct {
	manifests ManifestFetcher
}

func NewResolver(manifests ManifestFetcher) *Resolver {
	return &Resolver{manifests: manifests}
}

// Resolve yields exactly one plan for the lecture's primary asset.
func (r *Resolver) Resolve(ctx context.Context, lecture *course.LectureNode) Plan {
	asset := lecture.Asset
	if asset == nil {
		return Unsupported{Reason: ReasonNoAsset}
	}

	if asset.Protected() {
		return Excluded{Reason: ReasonProtected}
	}

	switch asset.AssetType {
	case platform.AssetVideo:
		return r.resolveVideo(ctx, asset)
	case platform.AssetArticle:
		return Unsupported{Reason: "article"}
	case platform.AssetExternalLink:
		return Unsupported{Reason: "external link"}
	case platform.AssetFile, platform.AssetEBook:
		return resolveFile(asset)
	default:
		return Unsupported{Reason: fmt.Sprintf("asset type %q", asset.AssetType)}
	}
}

func (r *Resolver) resolveVideo(ctx context.Context, asset *platform.Asset) Plan {
	if asset.StreamURLs == nil || len(asset.StreamURLs.Video) == 0 {
		// The platform hides sources for lectures it only serves through
		// its protected player.
		return Excluded{Reason: ReasonProtected}
	}

	if src, ok := bestProgressive(asset.StreamURLs.Video); ok {
		size := asset.FileSize
		if size <= 0 {
			size = -1
		}

		return SingleFile{URL: src.File, Size: size, ContentType: platform.SourceMP4, Ext: "mp4"}
	}

	for _, src := range asset.StreamURLs.Video {
		if src.Type == platform.SourceHLS {
			return r.resolveAdaptive(ctx, src.File)
		}
	}

	return Excluded{Reason: ReasonNoSource}
}

// bestProgressive picks the progressive source with the highest numeric
// quality label. Deterministic: ties keep the listing order.
func bestProgressive(sources []platform.VideoSource) (platform.VideoSource, bool) {
	progressive := make([]platform.VideoSource, 0, len(sources))

	for _, src := range sources {
		if src.Type == platform.SourceMP4 && src.File != "" {
			progressive = append(progressive, src)
		}
	}

	if len(progressive) == 0 {
		return platform.VideoSource{}, false
	}

	sort.SliceStable(progressive, func(i, j int) bool {
		return qualityRank(progressive[i].Label) > qualityRank(progressive[j].Label)
	})

	return progressive[0], true
}

func qualityRank(label string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(label), "p"))
	if err != nil {
		return -1
	}

	return n
}

// resolveAdaptive reads the master manifest and walks the variants from
// best to worst, returning the first whose segments are fetchable without a
// protected key. Reading manifests is the only network activity here.
func (r *Resolver) resolveAdaptive(ctx context.Context, manifestURL string) Plan {
	logger := logctx.LoggerFromContext(ctx)

	master, err := r.manifests.FetchText(ctx, manifestURL)
	if err != nil {
		logger.Warn("failed to read stream manifest", "url", manifestURL, "err", err)

		return Excluded{Reason: ReasonNoSource}
	}

	variants := parseMasterManifest(master)
	if len(variants) == 0 {
		// Already a media playlist.
		return segmentedPlan(master, manifestURL)
	}

	sortVariants(variants)

	for _, v := range variants {
		playlistURL := resolveURL(manifestURL, v.uri)

		playlist, err := r.manifests.FetchText(ctx, playlistURL)
		if err != nil {
			logger.Warn("failed to read variant playlist", "url", playlistURL, "err", err)

			continue
		}

		plan := segmentedPlan(playlist, playlistURL)
		if _, excluded := plan.(Excluded); excluded {
			continue
		}

		return plan
	}

	return Excluded{Reason: ReasonProtectedStream}
}

func segmentedPlan(playlist, playlistURL string) Plan {
	segments, keyed := parseMediaPlaylist(playlist)
	if keyed {
		return Excluded{Reason: ReasonProtectedStream}
	}

	if len(segments) == 0 {
		return Excluded{Reason: ReasonNoSource}
	}

	urls := make([]string, len(segments))
	for i, seg := range segments {
		urls[i] = resolveURL(playlistURL, seg)
	}

	return SegmentedStream{SegmentURLs: urls, Container: "mp4"}
}

func resolveFile(asset *platform.Asset) Plan {
	if asset.DownloadURLs == nil || len(asset.DownloadURLs.File) == 0 {
		return Unsupported{Reason: ReasonNoSource}
	}

	src := asset.DownloadURLs.File[0]

	size := asset.FileSize
	if size <= 0 {
		size = -1
	}

	return SingleFile{URL: src.File, Size: size, Ext: extOf(src.File, "bin")}
}

// Extra is an additional downloadable attached to a lecture: a caption
// track or a supplementary file.
type Extra struct {
	Title string
	Plan  Plan
}

// ResolveExtras yields plans for caption tracks and supplementary file
// assets. Protected supplementary assets are dropped silently; the primary
// plan already reports the lecture's exclusion state.
func (r *Resolver) ResolveExtras(lecture *course.LectureNode) []Extra {
	var extras []Extra

	if asset := lecture.Asset; asset != nil {
		for _, caption := range asset.Captions {
			if caption.URL == "" {
				continue
			}

			name := caption.FileName
			if name == "" {
				name = fmt.Sprintf("%s.%s", caption.Locale, extOf(caption.URL, "vtt"))
			}

			extras = append(extras, Extra{
				Title: name,
				Plan:  SingleFile{URL: caption.URL, Size: -1, Ext: extOf(caption.URL, "vtt")},
			})
		}
	}

	for i := range lecture.Supplementary {
		supp := &lecture.Supplementary[i]
		if supp.Protected() || supp.DownloadURLs == nil {
			continue
		}

		for _, file := range supp.DownloadURLs.File {
			if file.File == "" {
				continue
			}

			extras = append(extras, Extra{
				Title: supp.Title,
				Plan:  SingleFile{URL: file.File, Size: -1, Ext: extOf(file.File, "bin")},
			})
		}
	}

	return extras
}

// extOf extracts the lowercase extension from a URL path, ignoring query
// noise, with a fallback for extensionless paths.
func extOf(rawurl, fallback string) string {
	p := rawurl
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" {
		return fallback
	}

	return strings.ToLower(ext)
}
