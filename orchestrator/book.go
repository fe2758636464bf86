package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/entity"
	"gorm.io/datatypes"
)

const (
	StepOutline    = "outline"
	StepCharacters = "characters"
	StepPolish     = "polish"
	StepCover      = "cover"
	StepFinalize   = "finalize"
)

// ChapterStepName returns the step name for the n-th chapter draft
// (1-indexed), e.g. "chapter-draft-2".
func ChapterStepName(n int) string {
	return fmt.Sprintf("chapter-draft-%d", n)
}

// TextGenerator is the language-generation collaborator.
type TextGenerator interface {
	Generate(ctx context.Context, prompt, promptContext string) (string, error)
}

// ImageGenerator is the image-generation collaborator.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// CoverStore persists generated cover bytes and returns an object key.
type CoverStore interface {
	PutCover(ctx context.Context, jobID string, data []byte) (string, error)
}

// ManuscriptStore persists the finished artifact.
type ManuscriptStore interface {
	Create(m *entity.Manuscript) error
}

// BookPipeline builds the fixed step list for book generation jobs.
type BookPipeline struct {
	Text        TextGenerator
	Image       ImageGenerator
	Covers      CoverStore
	Manuscripts ManuscriptStore
}

type textOutput struct {
	Text string `json:"text"`
}

type chapterOutput struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

type coverOutput struct {
	ObjectKey string `json:"object_key"`
}

type finalizeOutput struct {
	ManuscriptID uuid.UUID `json:"manuscript_id"`
}

// Steps returns the ordered pipeline for a request with the given
// chapter count: outline -> characters -> chapter-draft x N -> polish ->
// cover -> finalize. All steps are idempotent except cover: re-running
// image generation produces a different (and separately billed) image,
// so its persisted output is reused on resume instead.
func (p *BookPipeline) Steps(chapters int) []Step {
	steps := []Step{
		{
			Name:       StepOutline,
			Message:    "drafting the outline",
			Idempotent: true,
			Run:        p.runOutline,
		},
		{
			Name:       StepCharacters,
			Message:    "developing characters",
			Idempotent: true,
			Run:        p.runCharacters,
		},
	}

	for n := 1; n <= chapters; n++ {
		steps = append(steps, Step{
			Name:       ChapterStepName(n),
			Message:    fmt.Sprintf("drafting chapter %d of %d", n, chapters),
			Idempotent: true,
			Run:        p.chapterStep(n),
		})
	}

	steps = append(steps,
		Step{
			Name:       StepPolish,
			Message:    "polishing the manuscript",
			Idempotent: true,
			Run:        p.runPolish,
		},
		Step{
			Name:       StepCover,
			Message:    "generating the cover",
			Idempotent: false,
			Run:        p.runCover,
		},
		Step{
			Name:       StepFinalize,
			Message:    "assembling the manuscript",
			Idempotent: true,
			Run:        p.runFinalize,
		},
	)

	return steps
}

// NewRunner builds a runner over this pipeline for one request shape.
func (p *BookPipeline) NewRunner(chapters int, outputs OutputStore) *Runner {
	return NewRunner(p.Steps(chapters), outputs, ResultRef)
}

// ResultRef extracts the manuscript id from the finalize step's output.
func ResultRef(outputs Outputs) (uuid.UUID, error) {
	raw, ok := outputs[StepFinalize]
	if !ok {
		return uuid.Nil, fmt.Errorf("finalize output missing")
	}
	var out finalizeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return uuid.Nil, fmt.Errorf("finalize output malformed: %w", err)
	}
	return out.ManuscriptID, nil
}

func (p *BookPipeline) runOutline(ctx context.Context, job *entity.Job, req *entity.BookRequest, _ Outputs) (datatypes.JSON, error) {
	prompt := fmt.Sprintf("Write a %d-chapter outline for a %s book titled %q.", req.Chapters, req.Genre, req.Title)
	text, err := p.Text.Generate(ctx, prompt, req.Brief)
	if err != nil {
		return nil, err
	}
	return marshalOutput(textOutput{Text: text})
}

func (p *BookPipeline) runCharacters(ctx context.Context, job *entity.Job, req *entity.BookRequest, prior Outputs) (datatypes.JSON, error) {
	outline, err := textFrom(prior, StepOutline)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Create the cast of characters for a %s book.", req.Genre)
	text, err := p.Text.Generate(ctx, prompt, outline)
	if err != nil {
		return nil, err
	}
	return marshalOutput(textOutput{Text: text})
}

func (p *BookPipeline) chapterStep(n int) StepFunc {
	return func(ctx context.Context, job *entity.Job, req *entity.BookRequest, prior Outputs) (datatypes.JSON, error) {
		outline, err := textFrom(prior, StepOutline)
		if err != nil {
			return nil, err
		}
		characters, err := textFrom(prior, StepCharacters)
		if err != nil {
			return nil, err
		}

		// The previous chapter's tail keeps continuity without resending
		// the whole draft to the provider.
		var previous string
		if n > 1 {
			var prev chapterOutput
			if err := unmarshalOutput(prior, ChapterStepName(n-1), &prev); err != nil {
				return nil, err
			}
			previous = tail(prev.Text, 2000)
		}

		prompt := fmt.Sprintf("Write chapter %d of %d for the %s book %q.", n, req.Chapters, req.Genre, req.Title)
		material := outline + "\n\n" + characters
		if previous != "" {
			material += "\n\nEnd of previous chapter:\n" + previous
		}

		text, err := p.Text.Generate(ctx, prompt, material)
		if err != nil {
			return nil, err
		}
		return marshalOutput(chapterOutput{
			Index: n,
			Title: fmt.Sprintf("Chapter %d", n),
			Text:  text,
		})
	}
}

func (p *BookPipeline) runPolish(ctx context.Context, job *entity.Job, req *entity.BookRequest, prior Outputs) (datatypes.JSON, error) {
	var draft strings.Builder
	for n := 1; n <= req.Chapters; n++ {
		var ch chapterOutput
		if err := unmarshalOutput(prior, ChapterStepName(n), &ch); err != nil {
			return nil, err
		}
		draft.WriteString(ch.Title)
		draft.WriteString("\n\n")
		draft.WriteString(ch.Text)
		draft.WriteString("\n\n")
	}

	prompt := "Polish the following manuscript for consistency, pacing and prose quality. Keep chapter boundaries."
	text, err := p.Text.Generate(ctx, prompt, draft.String())
	if err != nil {
		return nil, err
	}
	return marshalOutput(textOutput{Text: text})
}

func (p *BookPipeline) runCover(ctx context.Context, job *entity.Job, req *entity.BookRequest, prior Outputs) (datatypes.JSON, error) {
	outline, err := textFrom(prior, StepOutline)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Book cover for a %s book titled %q. %s", req.Genre, req.Title, tail(outline, 500))

	data, err := p.Image.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	key, err := p.Covers.PutCover(ctx, job.ID.String(), data)
	if err != nil {
		return nil, err
	}
	return marshalOutput(coverOutput{ObjectKey: key})
}

func (p *BookPipeline) runFinalize(ctx context.Context, job *entity.Job, req *entity.BookRequest, prior Outputs) (datatypes.JSON, error) {
	outline, err := textFrom(prior, StepOutline)
	if err != nil {
		return nil, err
	}
	characters, err := textFrom(prior, StepCharacters)
	if err != nil {
		return nil, err
	}
	polished, err := textFrom(prior, StepPolish)
	if err != nil {
		return nil, err
	}
	var cover coverOutput
	if err := unmarshalOutput(prior, StepCover, &cover); err != nil {
		return nil, err
	}

	chapters := make([]entity.Chapter, 0, req.Chapters)
	for n := 1; n <= req.Chapters; n++ {
		var ch chapterOutput
		if err := unmarshalOutput(prior, ChapterStepName(n), &ch); err != nil {
			return nil, err
		}
		chapters = append(chapters, entity.Chapter{Index: ch.Index, Title: ch.Title, Text: ch.Text})
	}

	chaptersJSON, err := json.Marshal(chapters)
	if err != nil {
		return nil, err
	}
	charactersJSON, err := json.Marshal(textOutput{Text: characters})
	if err != nil {
		return nil, err
	}

	manuscript := &entity.Manuscript{
		ID:             uuid.New(),
		JobID:          job.ID,
		OwnerID:        job.OwnerID,
		Title:          req.Title,
		Genre:          req.Genre,
		Outline:        outline,
		Characters:     charactersJSON,
		Chapters:       chaptersJSON,
		CoverObjectKey: cover.ObjectKey,
		WordCount:      len(strings.Fields(polished)),
	}
	if err := p.Manuscripts.Create(manuscript); err != nil {
		return nil, err
	}

	return marshalOutput(finalizeOutput{ManuscriptID: manuscript.ID})
}

func marshalOutput(v interface{}) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func unmarshalOutput(outputs Outputs, step string, dest interface{}) error {
	raw, ok := outputs[step]
	if !ok {
		return fmt.Errorf("output of step %q missing", step)
	}
	return json.Unmarshal(raw, dest)
}

func textFrom(outputs Outputs, step string) (string, error) {
	var out textOutput
	if err := unmarshalOutput(outputs, step, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
