package course

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/coursepull/coursepull/internal/logctx"
	"github.com/coursepull/coursepull/internal/platform"
	"github.com/coursepull/coursepull/internal/retry"
	"golang.org/x/sync/errgroup"
)

// StructureFetchError aborts processing of one course without touching
// sibling courses in the queue.
type StructureFetchError struct {
	CourseID int64
	Err      error
}

func (e *StructureFetchError) Error() string {
	return fmt.Sprintf("failed to fetch structure of course %d: %s", e.CourseID, e.Err)
}

func (e *StructureFetchError) Unwrap() error { return e.Err }

// StructureLister is the slice of the platform adapter the tree needs.
type StructureLister interface {
	Course(ctx context.Context, courseID int64) (*platform.CourseSummary, error)
	CurriculumPage(ctx context.Context, courseID int64, page int) (*platform.CurriculumPage, error)
}

// Tree fetches and assembles course structures.
type Tree struct {
	api         StructureLister
	maxParallel int
	policy      retry.Policy
}

func NewTree(api StructureLister, maxParallel int) *Tree {
	if maxParallel <= 0 {
		maxParallel = 4
	}

	return &Tree{api: api, maxParallel: maxParallel, policy: retry.StructurePolicy()}
}

// FetchStructure walks the paginated curriculum listing and returns the
// ordered course hierarchy. Pages beyond the first are fetched concurrently;
// items are sorted by their reported object position before assembly, so
// arrival order never leaks into the output.
func (t *Tree) FetchStructure(ctx context.Context, courseID int64) (*CourseNode, error) {
	logger := logctx.LoggerFromContext(ctx).With("course_id", courseID)

	summary, err := t.fetchCourse(ctx, courseID)
	if err != nil {
		return nil, &StructureFetchError{CourseID: courseID, Err: err}
	}

	first, err := t.fetchPage(ctx, courseID, 1)
	if err != nil {
		return nil, &StructureFetchError{CourseID: courseID, Err: err}
	}

	items := make([]platform.CurriculumItem, 0, first.Count)
	items = append(items, first.Items...)

	if first.HasNext && len(first.Items) > 0 {
		rest, err := t.fetchRemainingPages(ctx, courseID, first)
		if err != nil {
			return nil, &StructureFetchError{CourseID: courseID, Err: err}
		}

		items = append(items, rest...)
	}

	// Mandatory reconciliation pass: concurrent pages arrive in any order.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ObjectIndex < items[j].ObjectIndex
	})

	node := assemble(summary, items)

	logger.Info("fetched course structure",
		"title", node.Title,
		"chapters", len(node.Chapters),
		"lectures", node.LectureCount(),
	)

	return node, nil
}

func (t *Tree) fetchCourse(ctx context.Context, courseID int64) (*platform.CourseSummary, error) {
	var summary *platform.CourseSummary

	err := retry.Do(ctx, t.policy, "fetch_course", func(ctx context.Context) error {
		var err error
		summary, err = t.api.Course(ctx, courseID)

		return classify(err)
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}

func (t *Tree) fetchPage(ctx context.Context, courseID int64, page int) (*platform.CurriculumPage, error) {
	var result *platform.CurriculumPage

	err := retry.Do(ctx, t.policy, "fetch_curriculum_page", func(ctx context.Context) error {
		var err error
		result, err = t.api.CurriculumPage(ctx, courseID, page)

		return classify(err)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// fetchRemainingPages fans out over the pages the first page's total
// suggests, then follows the end marker sequentially past them. The count
// is a hint only; the listing ends when a page carries no next marker.
func (t *Tree) fetchRemainingPages(ctx context.Context, courseID int64, first *platform.CurriculumPage) ([]platform.CurriculumItem, error) {
	perPage := len(first.Items)
	lastPage := (first.Count + perPage - 1) / perPage

	pages := make([]*platform.CurriculumPage, lastPage+1)

	wg, fetchCtx := errgroup.WithContext(ctx)
	wg.SetLimit(t.maxParallel)

	for page := 2; page <= lastPage; page++ {
		wg.Go(func() error {
			result, err := t.fetchPage(fetchCtx, courseID, page)
			if err != nil {
				return err
			}

			pages[page] = result

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}

	items := make([]platform.CurriculumItem, 0, first.Count-perPage)

	tail := first
	for page := 2; page <= lastPage; page++ {
		items = append(items, pages[page].Items...)
		tail = pages[page]
	}

	// A stale or under-reported count leaves items beyond the projected
	// last page; keep walking until the marker runs out.
	for page := max(lastPage+1, 2); tail.HasNext && len(tail.Items) > 0; page++ {
		result, err := t.fetchPage(ctx, courseID, page)
		if err != nil {
			return nil, err
		}

		items = append(items, result.Items...)
		tail = result
	}

	return items, nil
}

// assemble splits the flat position-sorted listing into chapters. Lectures
// appearing before the first chapter land in an implicit opening chapter.
// Quiz items carry no media and are dropped.
func assemble(summary *platform.CourseSummary, items []platform.CurriculumItem) *CourseNode {
	node := &CourseNode{ID: summary.ID, Title: summary.Title}

	var current *ChapterNode

	for _, item := range items {
		switch {
		case item.IsChapter():
			current = &ChapterNode{
				ID:       item.ID,
				Title:    item.Title,
				Position: len(node.Chapters) + 1,
			}
			node.Chapters = append(node.Chapters, current)
		case item.IsLecture():
			if current == nil {
				current = &ChapterNode{Title: "Introduction", Position: 1}
				node.Chapters = append(node.Chapters, current)
			}

			current.Lectures = append(current.Lectures, &LectureNode{
				ID:            item.ID,
				Title:         item.Title,
				Position:      len(current.Lectures) + 1,
				Asset:         item.Asset,
				Supplementary: item.SupplementaryAssets,
			})
		}
	}

	return node
}

// classify marks client-side API rejections as permanent so the retry
// policy gives up on them immediately.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var status *platform.StatusError
	if errors.As(err, &status) && !status.Transient() {
		return retry.Permanent(err)
	}

	return err
}
