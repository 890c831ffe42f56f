// Package assist offers advisory field suggestions derived from uploaded
// documents. Nothing here writes to an application; callers decide whether to
// apply a suggestion.
package assist

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ErrNotConfigured is returned when no extractor or suggester is wired.
var ErrNotConfigured = errors.New("assist: not configured")

// ErrUnsupportedDocument is returned by extractors that cannot read a file.
var ErrUnsupportedDocument = errors.New("assist: unsupported document")

// Extractor turns document bytes into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, filename string) (string, error)
}

// Suggester proposes field values for an application from extracted text.
type Suggester interface {
	SuggestFields(ctx context.Context, text string, current map[string]string) (Suggestion, error)
}

// Suggestion is a set of proposed field values with an overall confidence in
// [0, 1].
type Suggestion struct {
	Fields     map[string]string
	Confidence float64
}

// Assistant chains an Extractor and a Suggester.
type Assistant struct {
	extractor Extractor
	suggester Suggester
	logger    *zap.Logger
}

func New(extractor Extractor, suggester Suggester) *Assistant {
	return &Assistant{extractor: extractor, suggester: suggester, logger: zap.NewNop()}
}

func (a *Assistant) WithLogger(logger *zap.Logger) *Assistant {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// Configured reports whether both collaborators are present.
func (a *Assistant) Configured() bool {
	return a != nil && a.extractor != nil && a.suggester != nil
}

// Suggest extracts text from the document and returns proposals for fields
// that are not already filled in current.
func (a *Assistant) Suggest(ctx context.Context, data []byte, filename string, current map[string]string) (Suggestion, error) {
	if !a.Configured() {
		return Suggestion{}, ErrNotConfigured
	}
	text, err := a.extractor.Extract(ctx, data, filename)
	if err != nil {
		return Suggestion{}, fmt.Errorf("assist: extract %s: %w", filename, err)
	}
	s, err := a.suggester.SuggestFields(ctx, text, current)
	if err != nil {
		return Suggestion{}, fmt.Errorf("assist: suggest: %w", err)
	}

	out := Suggestion{Fields: map[string]string{}, Confidence: clamp(s.Confidence)}
	for k, v := range s.Fields {
		if strings.TrimSpace(current[k]) != "" || strings.TrimSpace(v) == "" {
			continue
		}
		out.Fields[k] = strings.TrimSpace(v)
	}
	a.logger.Debug("assist suggestion",
		zap.String("file", filename),
		zap.Int("proposed", len(s.Fields)),
		zap.Int("kept", len(out.Fields)),
	)
	return out, nil
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// TextExtractor reads plain text documents.
type TextExtractor struct {
	MaxBytes int
}

func (e TextExtractor) Extract(ctx context.Context, data []byte, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".csv", ".md", "":
	default:
		return "", ErrUnsupportedDocument
	}
	if e.MaxBytes > 0 && len(data) > e.MaxBytes {
		data = data[:e.MaxBytes]
	}
	if !utf8.Valid(data) {
		return "", ErrUnsupportedDocument
	}
	return string(data), nil
}

// LabelSuggester maps "Label: value" lines onto fields. Labels are matched
// case-insensitively against the keys of Labels.
type LabelSuggester struct {
	Labels map[string]string
}

func (s LabelSuggester) SuggestFields(ctx context.Context, text string, current map[string]string) (Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return Suggestion{}, err
	}
	labels := make(map[string]string, len(s.Labels))
	for label, field := range s.Labels {
		labels[strings.ToLower(strings.TrimSpace(label))] = field
	}

	fields := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field, known := labels[strings.ToLower(strings.TrimSpace(label))]
		if !known || strings.TrimSpace(value) == "" {
			continue
		}
		if _, seen := fields[field]; !seen {
			fields[field] = strings.TrimSpace(value)
		}
	}
	conf := 0.0
	if len(labels) > 0 {
		conf = float64(len(fields)) / float64(len(labels))
	}
	return Suggestion{Fields: fields, Confidence: conf}, nil
}
