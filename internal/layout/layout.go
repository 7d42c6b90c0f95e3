// Package layout maps course structure to filesystem destinations and
// answers skip-if-complete checks. Pure path math plus stat calls; no retry
// semantics.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/coursepull/coursepull/internal/course"
	"github.com/spf13/afero"
)

const (
	dirPerm = 0o755

	// TempSuffix marks in-progress files. Removed only by the atomic
	// rename on success.
	TempSuffix = ".part"
)

type Layout struct {
	fs   afero.Fs
	root string
}

func New(fs afero.Fs, root string) *Layout {
	return &Layout{fs: fs, root: root}
}

// Fs exposes the filesystem the layout was built over, so writers share it.
func (l *Layout) Fs() afero.Fs { return l.fs }

// CourseDir returns the directory for a course.
func (l *Layout) CourseDir(c *course.CourseNode) string {
	return filepath.Join(l.root, Sanitize(c.Title))
}

// DestinationFor maps (course, chapter, lecture, extension) to the final
// output path. Deterministic and stable across runs: indices come from
// structural positions, never from processing order.
func (l *Layout) DestinationFor(c *course.CourseNode, ch *course.ChapterNode, lec *course.LectureNode, ext string) string {
	return filepath.Join(
		l.chapterDir(c, ch),
		fmt.Sprintf("%0*d_%s.%s", indexWidth(len(ch.Lectures)), lec.Position, Sanitize(lec.Title), ext),
	)
}

// ExtraDestination places a lecture's caption or supplementary file next to
// the lecture, keyed by the extra's own name.
func (l *Layout) ExtraDestination(c *course.CourseNode, ch *course.ChapterNode, lec *course.LectureNode, title string) string {
	return filepath.Join(
		l.chapterDir(c, ch),
		fmt.Sprintf("%0*d_%s_%s", indexWidth(len(ch.Lectures)), lec.Position, Sanitize(lec.Title), Sanitize(title)),
	)
}

func (l *Layout) chapterDir(c *course.CourseNode, ch *course.ChapterNode) string {
	return filepath.Join(
		l.CourseDir(c),
		fmt.Sprintf("%0*d_%s", indexWidth(len(c.Chapters)), ch.Position, Sanitize(ch.Title)),
	)
}

// TempPath is the working name a writer streams into before the rename.
func (l *Layout) TempPath(final string) string {
	return final + TempSuffix
}

// IsComplete reports whether the destination already holds a finished
// download. expectedSize < 0 means existence suffices.
func (l *Layout) IsComplete(path string, expectedSize int64) bool {
	info, err := l.fs.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	if expectedSize < 0 {
		return true
	}

	return info.Size() == expectedSize
}

// EnsureDir creates the parent directory of path.
func (l *Layout) EnsureDir(path string) error {
	if err := l.fs.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	return nil
}

// indexWidth is the digit width used for zero-padding position prefixes.
func indexWidth(count int) int {
	width := 1
	for count >= 10 {
		count /= 10
		width++
	}

	return width
}

// Sanitize strips characters the common filesystems reject and replaces
// path separators with a full-width slash, following the conventions of the
// platform's own file names.
func Sanitize(name string) string {
	replacer := strings.NewReplacer(
		"<", "", ">", "", ":", "", `"`, "", "|", "", "?", "", "*", "",
		"/", "／", `\`, "／",
	)

	cleaned := replacer.Replace(name)
	cleaned = strings.Trim(cleaned, " .")

	if cleaned == "" {
		return "untitled"
	}

	return cleaned
}
