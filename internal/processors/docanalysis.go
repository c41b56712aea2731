package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alekspetrov/ticketd/internal/clients/ai"
	"github.com/alekspetrov/ticketd/internal/clients/extract"
	"github.com/alekspetrov/ticketd/internal/dispatch"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

const maxDocumentChars = 100000

type docAnalysisInput struct {
	FileRef      string   `json:"file_ref"`
	FileRefs     []string `json:"file_refs"`
	AnalysisType string   `json:"analysis_type"`
	Instructions string   `json:"instructions"`
}

func (in docAnalysisInput) refs() []string {
	var refs []string
	if strings.TrimSpace(in.FileRef) != "" {
		refs = append(refs, in.FileRef)
	}
	for _, r := range in.FileRefs {
		if strings.TrimSpace(r) != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

type analyzedDocument struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Truncated bool   `json:"truncated,omitempty"`
}

// DocAnalysis extracts uploaded documents and asks the AI to analyze them.
type DocAnalysis struct {
	ai    Completer
	files TextExtractor
}

// NewDocAnalysis returns the document analysis processor.
func NewDocAnalysis(c Completer, files TextExtractor) *DocAnalysis {
	return &DocAnalysis{ai: c, files: files}
}

func (p *DocAnalysis) Kind() ticket.Kind { return ticket.KindDocAnalysis }

func (p *DocAnalysis) Validate(raw json.RawMessage) error {
	in, err := decodeInput[docAnalysisInput](raw)
	if err != nil {
		return err
	}
	if len(in.refs()) == 0 {
		return errors.New("file_ref or file_refs is required")
	}
	return nil
}

func (p *DocAnalysis) Execute(ctx context.Context, t *ticket.Ticket) (*dispatch.Result, error) {
	in, err := decodeInput[docAnalysisInput](t.Input)
	if err != nil {
		return nil, inputFailure(err)
	}
	refs := in.refs()
	if len(refs) == 0 {
		return nil, inputFailure(errors.New("no file references"))
	}
	if p.files == nil {
		return nil, ticket.NewFailure(ticket.CodeExtraction, false, "file extraction is not configured")
	}

	var docs []analyzedDocument
	var body strings.Builder
	for _, ref := range refs {
		doc, err := p.files.ExtractText(ctx, ref)
		if err != nil {
			return nil, extractionFailure(ctx, err)
		}
		text := doc.Text
		truncated := len(text) > maxDocumentChars
		text = truncate(text, maxDocumentChars)
		docs = append(docs, analyzedDocument{Name: doc.Name, SizeBytes: doc.SizeBytes, Truncated: truncated})
		fmt.Fprintf(&body, "Document: %s\n%s\n\n", doc.Name, text)
	}

	analysisType := orDefault(in.AnalysisType, "general")
	system := fmt.Sprintf("You are an expert document analyst. Provide a %s analysis of the given documents, "+
		"focusing on key insights, important information and actionable items.", analysisType)
	prompt := fmt.Sprintf(`Please analyze the following documents:

%s
Analysis type: %s
Instructions: %s

Include a summary of the main points, key findings, recommendations and any concerns.`,
		body.String(), analysisType, orDefault(in.Instructions, "Provide a comprehensive analysis"))

	resp, err := complete(ctx, p.ai, ai.Request{System: system, Prompt: prompt})
	if err != nil {
		return nil, err
	}

	return dispatch.NewResult(map[string]any{
		"documents_analyzed": len(docs),
		"documents":          docs,
		"analysis_type":      analysisType,
		"analysis":           resp.Content,
		"tokens_used":        resp.TotalTokens,
		"model_used":         resp.Model,
	}, resp.Model, resp.TotalTokens)
}

func extractionFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, extract.ErrUnsupportedFormat) {
		return ticket.Wrap(ticket.CodeUnsupportedFileFormat, false, err)
	}
	return ticket.Wrap(ticket.CodeExtraction, false, err)
}
