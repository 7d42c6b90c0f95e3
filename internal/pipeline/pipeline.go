// Package pipeline glues the structural walk, resolution and download
// stages together for one course at a time. No resolver work starts before
// the course's full, position-sorted structure is known.
package pipeline

import (
	"context"
	"fmt"

	"github.com/coursepull/coursepull/internal/course"
	"github.com/coursepull/coursepull/internal/engine"
	"github.com/coursepull/coursepull/internal/layout"
	"github.com/coursepull/coursepull/internal/logctx"
	"github.com/coursepull/coursepull/internal/media"
	"github.com/coursepull/coursepull/internal/report"
	"github.com/spf13/afero"
)

type Pipeline struct {
	tree     *course.Tree
	resolver *media.Resolver
	engine   *engine.Engine
	layout   *layout.Layout
	reporter *report.Reporter

	skipSupplementary bool
}

func New(tree *course.Tree, resolver *media.Resolver, eng *engine.Engine, lay *layout.Layout, rep *report.Reporter, skipSupplementary bool) *Pipeline {
	return &Pipeline{
		tree:              tree,
		resolver:          resolver,
		engine:            eng,
		layout:            lay,
		reporter:          rep,
		skipSupplementary: skipSupplementary,
	}
}

// ProcessCourse walks one course and submits every fetchable plan. A
// structure fetch failure aborts only this course; resolution outcomes that
// carry no media are recorded, not raised.
func (p *Pipeline) ProcessCourse(ctx context.Context, courseID int64) error {
	ctx = logctx.With(ctx, "course_id", courseID)

	node, err := p.tree.FetchStructure(ctx, courseID)
	if err != nil {
		return err
	}

	// Destination uniqueness across the run: the first plan wins a path.
	claimed := make(map[string]struct{})

	for _, chapter := range node.Chapters {
		for _, lecture := range chapter.Lectures {
			if err := p.processLecture(ctx, node, chapter, lecture, claimed); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *Pipeline) processLecture(ctx context.Context, node *course.CourseNode, chapter *course.ChapterNode, lecture *course.LectureNode, claimed map[string]struct{}) error {
	plan := p.resolver.Resolve(ctx, lecture)

	switch plan := plan.(type) {
	case media.Excluded:
		p.reporter.RecordResolution(ctx, node.ID, lecture.ID, lecture.Title, plan.Reason)
	case media.Unsupported:
		if plan.Reason == "article" {
			return p.writeArticle(ctx, node, chapter, lecture)
		}

		p.reporter.RecordResolution(ctx, node.ID, lecture.ID, lecture.Title, plan.Reason)
	default:
		dest := p.layout.DestinationFor(node, chapter, lecture, planExt(plan))
		if err := p.submit(ctx, node, lecture, dest, plan, claimed); err != nil {
			return err
		}
	}

	if p.skipSupplementary {
		return nil
	}

	for _, extra := range p.resolver.ResolveExtras(lecture) {
		dest := p.layout.ExtraDestination(node, chapter, lecture, extra.Title)
		if err := p.submit(ctx, node, lecture, dest, extra.Plan, claimed); err != nil {
			return err
		}
	}

	return nil
}

func (p *Pipeline) submit(ctx context.Context, node *course.CourseNode, lecture *course.LectureNode, dest string, plan media.Plan, claimed map[string]struct{}) error {
	if _, taken := claimed[dest]; taken {
		logctx.LoggerFromContext(ctx).Warn("duplicate destination, dropping task", "dest", dest)

		return nil
	}

	claimed[dest] = struct{}{}

	return p.engine.Submit(ctx, &engine.Task{
		CourseID:  node.ID,
		LectureID: lecture.ID,
		Title:     lecture.Title,
		Dest:      dest,
		Plan:      plan,
	})
}

// writeArticle renders an article lecture's body as HTML next to the course
// media. Local work only, so it bypasses the engine; the temp-and-rename
// discipline still applies.
func (p *Pipeline) writeArticle(ctx context.Context, node *course.CourseNode, chapter *course.ChapterNode, lecture *course.LectureNode) error {
	dest := p.layout.DestinationFor(node, chapter, lecture, "html")

	if p.layout.IsComplete(dest, -1) {
		p.reporter.RecordResolution(ctx, node.ID, lecture.ID, lecture.Title, "already downloaded")

		return nil
	}

	var body string
	if lecture.Asset != nil {
		body = lecture.Asset.Body
	}

	if body == "" {
		p.reporter.RecordResolution(ctx, node.ID, lecture.ID, lecture.Title, "empty article")

		return nil
	}

	if err := p.layout.EnsureDir(dest); err != nil {
		return err
	}

	fs := p.layout.Fs()
	tmp := p.layout.TempPath(dest)

	if err := afero.WriteFile(fs, tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write article: %w", err)
	}

	if err := fs.Rename(tmp, dest); err != nil {
		return fmt.Errorf("failed to rename article: %w", err)
	}

	logctx.LoggerFromContext(ctx).Info("wrote article", "dest", dest)
	p.reporter.RecordArticle(ctx, node.ID, lecture.ID, lecture.Title, dest)

	return nil
}

func planExt(plan media.Plan) string {
	switch plan := plan.(type) {
	case media.SingleFile:
		return plan.Ext
	case media.SegmentedStream:
		return plan.Container
	default:
		return "bin"
	}
}
