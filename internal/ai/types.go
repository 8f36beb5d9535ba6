package ai

import (
	"context"
	"fmt"
)

// Modality is the kind of payload sent to the model.
type Modality int

const (
	ModalityText Modality = iota
	ModalityImage
)

func (m Modality) String() string {
	switch m {
	case ModalityText:
		return "text"
	case ModalityImage:
		return "image"
	default:
		return fmt.Sprintf("Modality(%d)", int(m))
	}
}

// Property describes one field of a structured output.
type Property struct {
	Type        string // "string", "number", "integer", "boolean"
	Description string
	Enum        []string
	Minimum     *float64
	Maximum     *float64
}

// Schema is a named structured output the model must produce.
type Schema struct {
	Name        string
	Description string
	Properties  map[string]Property
	Required    []string
}

// Request is one inference call.
type Request struct {
	Modality    Modality
	Model       string
	Text        string // payload for ModalityText
	Data        []byte // payload for ModalityImage
	MIMEType    string
	Instruction string
	// Schema forces a structured result when set.
	Schema *Schema
}

// Result is either Structured (Fields set) or plain text.
type Result struct {
	Structured bool
	Name       string
	Fields     map[string]any
	Text       string
}

// Client runs inference requests.
type Client interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Result, error)
}

func ptr(f float64) *float64 { return &f }
