package media

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// hlsVariant is one quality entry of a master manifest.
type hlsVariant struct {
	uri       string
	bandwidth int
	width     int
	height    int
	order     int
}

// parseMasterManifest extracts the variant list from an HLS master
// manifest. An empty result means the text is not a master manifest (it may
// be a media playlist already).
func parseMasterManifest(text string) []hlsVariant {
	var variants []hlsVariant

	lines := manifestLines(text)
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "#EXT-X-STREAM-INF:") {
			continue
		}

		attrs := parseAttributes(strings.TrimPrefix(lines[i], "#EXT-X-STREAM-INF:"))

		v := hlsVariant{order: len(variants)}
		v.bandwidth, _ = strconv.Atoi(attrs["BANDWIDTH"])

		if res, ok := attrs["RESOLUTION"]; ok {
			if w, h, ok := parseResolution(res); ok {
				v.width, v.height = w, h
			}
		}

		// The variant URI is the next non-tag line.
		for j := i + 1; j < len(lines); j++ {
			if !strings.HasPrefix(lines[j], "#") {
				v.uri = lines[j]
				i = j

				break
			}
		}

		if v.uri != "" {
			variants = append(variants, v)
		}
	}

	return variants
}

// sortVariants orders by resolution, then bandwidth, then manifest order.
// The comparison is total, so selection is deterministic for a given
// manifest.
func sortVariants(variants []hlsVariant) {
	sort.SliceStable(variants, func(i, j int) bool {
		ri, rj := variants[i].width*variants[i].height, variants[j].width*variants[j].height
		if ri != rj {
			return ri > rj
		}

		if variants[i].bandwidth != variants[j].bandwidth {
			return variants[i].bandwidth > variants[j].bandwidth
		}

		return variants[i].order < variants[j].order
	})
}

// parseMediaPlaylist returns the segment URIs in playback order and whether
// the playlist demands a decryption key.
func parseMediaPlaylist(text string) (segments []string, keyed bool) {
	for _, line := range manifestLines(text) {
		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			if method := attrs["METHOD"]; method != "" && method != "NONE" {
				keyed = true
			}
		case !strings.HasPrefix(line, "#"):
			segments = append(segments, line)
		}
	}

	return segments, keyed
}

func manifestLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	return lines
}

// parseAttributes splits an HLS attribute list, honoring quoted values that
// may contain commas.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)

	var (
		key      string
		value    strings.Builder
		inQuotes bool
		inValue  bool
	)

	flush := func() {
		if key != "" {
			attrs[key] = strings.Trim(value.String(), `"`)
		}

		key, inValue = "", false
		value.Reset()
	}

	var keyBuf strings.Builder

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			value.WriteRune(r)
		case r == '=' && !inQuotes && !inValue:
			key = keyBuf.String()
			keyBuf.Reset()
			inValue = true
		case r == ',' && !inQuotes:
			flush()
		case inValue:
			value.WriteRune(r)
		default:
			keyBuf.WriteRune(r)
		}
	}

	flush()

	return attrs
}

func parseResolution(s string) (int, int, bool) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil {
		return 0, 0, false
	}

	return w, h, true
}

// resolveURL resolves ref against the manifest's own URL.
func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}

	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}

	return b.ResolveReference(r).String()
}
