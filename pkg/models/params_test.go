package models

import (
	"errors"
	"testing"
)

func TestJobParamsValidate(t *testing.T) {
	tests := []struct {
		name      string
		kind      JobKind
		params    JobParams
		wantField string
	}{
		{"text ok", JobKindTextToModel, JobParams{Prompt: "a red chair"}, ""},
		{"text blank prompt", JobKindTextToModel, JobParams{Prompt: "   "}, "prompt"},
		{"image by path", JobKindImageToModel, JobParams{Image: &ImageInput{Path: "/tmp/chair.png"}}, ""},
		{"image by token", JobKindImageToModel, JobParams{Image: &ImageInput{Token: "tok"}}, ""},
		{"image missing", JobKindImageToModel, JobParams{}, "image"},
		{"multiview front only", JobKindMultiviewToModel, JobParams{Views: &MultiviewImages{Front: &ImageInput{Token: "f"}}}, ""},
		{"multiview without front", JobKindMultiviewToModel, JobParams{Views: &MultiviewImages{Left: &ImageInput{Token: "l"}}}, "views"},
		{"negative face limit", JobKindTextToModel, JobParams{Prompt: "x", FaceLimit: -1}, "face_limit"},
		{"quad on v1", JobKindTextToModel, JobParams{Prompt: "x", Quad: true, ModelVersion: ModelVersionV1}, "quad"},
		{"quad on v2", JobKindTextToModel, JobParams{Prompt: "x", Quad: true, ModelVersion: ModelVersionV20}, ""},
		{"unknown kind", JobKind("animate"), JobParams{Prompt: "x"}, "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(tt.kind)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestJobParamsSummary(t *testing.T) {
	p := JobParams{Prompt: "a red chair"}
	if got := p.Summary(JobKindTextToModel); got != "a red chair" {
		t.Errorf("text summary = %q", got)
	}

	p = JobParams{Image: &ImageInput{Path: "/home/me/chair.png"}}
	if got := p.Summary(JobKindImageToModel); got != "image: chair.png" {
		t.Errorf("image summary = %q", got)
	}

	p = JobParams{Views: &MultiviewImages{
		Front: &ImageInput{Path: "/a/front.png"},
		Back:  &ImageInput{Token: "back-token"},
	}}
	if got := p.Summary(JobKindMultiviewToModel); got != "multiview: front.png, back-token" {
		t.Errorf("multiview summary = %q", got)
	}
}

func TestImageInputFileType(t *testing.T) {
	cases := map[string]string{
		"/x/a.JPEG": "jpg",
		"/x/a.webp": "webp",
		"/x/a":      "png",
	}
	for p, want := range cases {
		in := &ImageInput{Path: p}
		if got := in.FileType(); got != want {
			t.Errorf("FileType(%q) = %q, want %q", p, got, want)
		}
	}
}
