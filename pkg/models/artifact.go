package models

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// ModelFormat is the file format of a generated model
type ModelFormat string

const (
	ModelFormatGLB  ModelFormat = "glb"
	ModelFormatGLTF ModelFormat = "gltf"
	ModelFormatFBX  ModelFormat = "fbx"
)

// Importer selects the host importer for a model file
type Importer string

const (
	ImporterGLTF Importer = "gltf" // glTF family: .glb and .gltf
	ImporterFBX  Importer = "fbx"
)

// ImporterForPath dispatches on the file extension: fbx files use the FBX
// importer, everything else goes through the glTF importer.
func ImporterForPath(p string) Importer {
	if strings.EqualFold(path.Ext(p), ".fbx") {
		return ImporterFBX
	}
	return ImporterGLTF
}

// ArtifactRef points at a remote artifact produced by a successful job
type ArtifactRef struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
}

var formatPattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// Suffix returns the file suffix used when the artifact is downloaded. The
// format and the URL extension both come from the server, so anything that is
// not a short alphanumeric extension is ignored.
func (a ArtifactRef) Suffix(fallback string) string {
	if format := strings.ToLower(strings.TrimPrefix(a.Format, ".")); formatPattern.MatchString(format) {
		return "." + format
	}
	if ext := URLExt(a.URL); formatPattern.MatchString(strings.TrimPrefix(ext, ".")) {
		return ext
	}
	return fallback
}

// ResultArtifacts holds the references needed to download a job's output
type ResultArtifacts struct {
	Model   ArtifactRef  `json:"model"`
	Preview *ArtifactRef `json:"preview,omitempty"`
}

// Empty reports whether no model reference is present
func (r *ResultArtifacts) Empty() bool {
	return r == nil || r.Model.URL == ""
}

// Clone returns a deep copy
func (r *ResultArtifacts) Clone() *ResultArtifacts {
	if r == nil {
		return nil
	}
	c := *r
	if r.Preview != nil {
		p := *r.Preview
		c.Preview = &p
	}
	return &c
}

// DownloadedArtifacts are local copies of a job's output
type DownloadedArtifacts struct {
	ModelPath   string `json:"model_path"`
	PreviewPath string `json:"preview_path,omitempty"`
}

// StatusResponse is the typed form of a remote status query
type StatusResponse struct {
	JobID                     string
	Status                    JobStatus
	RawStatus                 string
	Progress                  int
	EstimatedRemainingSeconds *float64
	Kind                      JobKind
	InputSummary              string
	CreatedAt                 *time.Time
	ModelVersion              string
	Model                     *ArtifactRef
	Preview                   *ArtifactRef
	Message                   string
}

// Artifacts returns the result artifacts carried by a success response, or nil
func (r *StatusResponse) Artifacts() *ResultArtifacts {
	if r.Model == nil || r.Model.URL == "" {
		return nil
	}
	a := &ResultArtifacts{Model: *r.Model}
	if r.Preview != nil && r.Preview.URL != "" {
		p := *r.Preview
		a.Preview = &p
	}
	return a
}

// ObjectHandle identifies an object created in the host scene
type ObjectHandle string

// ImageHandle identifies an image registered with the host asset system
type ImageHandle string

// URLExt returns the lower-cased extension of a URL path, ignoring the query string
func URLExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(path.Ext(raw))
	}
	return strings.ToLower(path.Ext(u.Path))
}
