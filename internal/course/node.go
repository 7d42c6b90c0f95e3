// Package course materializes a course's structural hierarchy from the
// paginated curriculum listing.
package course

import "github.com/coursepull/coursepull/internal/platform"

// CourseNode is the root of a course's structure. Immutable once built.
type CourseNode struct {
	ID       int64
	Title    string
	Chapters []*ChapterNode
}

// ChapterNode groups the lectures that follow it in the curriculum.
type ChapterNode struct {
	ID       int64
	Title    string
	Position int
	Lectures []*LectureNode
}

// LectureNode is the smallest addressable content unit. The asset payload
// stays opaque until the resolver classifies it.
type LectureNode struct {
	ID            int64
	Title         string
	Position      int
	Asset         *platform.Asset
	Supplementary []platform.Asset
}

// LectureCount returns the total number of lectures across chapters.
func (c *CourseNode) LectureCount() int {
	var n int
	for _, ch := range c.Chapters {
		n += len(ch.Lectures)
	}

	return n
}
