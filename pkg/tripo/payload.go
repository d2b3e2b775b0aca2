package tripo

import (
	"fmt"

	"github.com/psantana5/meshgen/pkg/models"
)

type fileRef struct {
	Type      string `json:"type,omitempty"`
	FileToken string `json:"file_token,omitempty"`
}

// taskPayload is the body of POST /task
type taskPayload struct {
	Type           string    `json:"type"`
	Prompt         string    `json:"prompt,omitempty"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	ModelVersion   string    `json:"model_version,omitempty"`
	FaceLimit      int       `json:"face_limit,omitempty"`
	Quad           bool      `json:"quad,omitempty"`
	File           *fileRef  `json:"file,omitempty"`
	Files          []fileRef `json:"files,omitempty"`
}

// buildPayload turns validated params into a task body. Image inputs must
// already carry an upload token.
func buildPayload(kind models.JobKind, params models.JobParams, defaultVersion string) (*taskPayload, error) {
	if err := params.Validate(kind); err != nil {
		return nil, err
	}

	version := params.ModelVersion
	if version == "" {
		version = defaultVersion
	}

	p := &taskPayload{
		Type:         string(kind),
		ModelVersion: version,
		FaceLimit:    params.FaceLimit,
		// quad is only understood by v2 models
		Quad: params.Quad && models.IsV2ModelVersion(version),
	}

	switch kind {
	case models.JobKindTextToModel:
		p.Prompt = params.Prompt
		p.NegativePrompt = params.NegativePrompt
	case models.JobKindImageToModel:
		ref, err := tokenRef("image", params.Image)
		if err != nil {
			return nil, err
		}
		p.File = &ref
	case models.JobKindMultiviewToModel:
		views := []string{"front", "left", "back", "right"}
		for i, img := range params.Views.Ordered() {
			if img == nil || (img.Path == "" && img.Token == "") {
				p.Files = append(p.Files, fileRef{})
				continue
			}
			ref, err := tokenRef(views[i], img)
			if err != nil {
				return nil, err
			}
			p.Files = append(p.Files, ref)
		}
	}
	return p, nil
}

func tokenRef(field string, img *models.ImageInput) (fileRef, error) {
	if img.Token == "" {
		return fileRef{}, &models.ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s has not been uploaded", img.Path),
		}
	}
	return fileRef{Type: img.FileType(), FileToken: img.Token}, nil
}
