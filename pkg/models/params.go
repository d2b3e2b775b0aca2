package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Model versions accepted by the remote service
const (
	ModelVersionV1      = "v1.4-20240625"
	ModelVersionV20     = "v2.0-20240919"
	ModelVersionV25     = "v2.5-20250123"
	DefaultModelVersion = ModelVersionV25
)

// IsV2ModelVersion reports whether version belongs to the v2 family, which
// supports quad output and prefers PBR models.
func IsV2ModelVersion(version string) bool {
	return version == ModelVersionV20 || version == ModelVersionV25
}

// ImageInput references an input image either by local path (uploaded before
// submission) or by an already issued file token.
type ImageInput struct {
	Path  string `json:"path,omitempty"`
	Token string `json:"token,omitempty"`
	Type  string `json:"type,omitempty"` // jpg, png, webp
}

// FileType returns the image type, derived from the path when not set
func (i *ImageInput) FileType() string {
	if i.Type != "" {
		return strings.ToLower(i.Type)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(i.Path), "."))
	if ext == "jpeg" {
		return "jpg"
	}
	if ext == "" {
		return "png"
	}
	return ext
}

func (i *ImageInput) empty() bool {
	return i == nil || (i.Path == "" && i.Token == "")
}

func (i *ImageInput) label() string {
	if i.Path != "" {
		return filepath.Base(i.Path)
	}
	return i.Token
}

// MultiviewImages holds up to four directional views; Front is required
type MultiviewImages struct {
	Front *ImageInput `json:"front,omitempty"`
	Left  *ImageInput `json:"left,omitempty"`
	Back  *ImageInput `json:"back,omitempty"`
	Right *ImageInput `json:"right,omitempty"`
}

// Ordered returns the views in front, left, back, right order; missing views are nil
func (m *MultiviewImages) Ordered() []*ImageInput {
	return []*ImageInput{m.Front, m.Left, m.Back, m.Right}
}

// JobParams are the kind-specific submission options
type JobParams struct {
	Prompt         string           `json:"prompt,omitempty"`
	NegativePrompt string           `json:"negative_prompt,omitempty"`
	ModelVersion   string           `json:"model_version,omitempty"`
	FaceLimit      int              `json:"face_limit,omitempty"`
	Quad           bool             `json:"quad,omitempty"`
	Image          *ImageInput      `json:"image,omitempty"`
	Views          *MultiviewImages `json:"views,omitempty"`
}

// ValidationError is returned for input that can never succeed, so it is not
// worth sending to the remote service.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Validate checks that params carry what the given kind needs
func (p *JobParams) Validate(kind JobKind) error {
	if !kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unsupported job kind %q", kind)}
	}
	if p.FaceLimit < 0 {
		return &ValidationError{Field: "face_limit", Message: "must not be negative"}
	}
	if p.Quad && p.ModelVersion != "" && !IsV2ModelVersion(p.ModelVersion) {
		return &ValidationError{Field: "quad", Message: fmt.Sprintf("not supported by model version %s", p.ModelVersion)}
	}

	switch kind {
	case JobKindTextToModel:
		if strings.TrimSpace(p.Prompt) == "" {
			return &ValidationError{Field: "prompt", Message: "prompt is required"}
		}
	case JobKindImageToModel:
		if p.Image.empty() {
			return &ValidationError{Field: "image", Message: "image path or token is required"}
		}
	case JobKindMultiviewToModel:
		if p.Views == nil || p.Views.Front.empty() {
			return &ValidationError{Field: "views", Message: "front view is required"}
		}
	}
	return nil
}

// Summary returns the display text stored on the job entry
func (p *JobParams) Summary(kind JobKind) string {
	switch kind {
	case JobKindTextToModel:
		return p.Prompt
	case JobKindImageToModel:
		if p.Image.empty() {
			return "image"
		}
		return "image: " + p.Image.label()
	case JobKindMultiviewToModel:
		if p.Views == nil {
			return "multiview"
		}
		var names []string
		for _, v := range p.Views.Ordered() {
			if !v.empty() {
				names = append(names, v.label())
			}
		}
		return "multiview: " + strings.Join(names, ", ")
	}
	return ""
}
