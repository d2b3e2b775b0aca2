package tripo

import (
	"encoding/json"
	"time"

	"github.com/psantana5/meshgen/pkg/models"
)

// envelope wraps every response body
type envelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

type resultEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// taskData is the "data" object of GET /task/{id}. Results arrive either
// nested under "result" or as flat URLs under "output".
type taskData struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Input  struct {
		Prompt       string `json:"prompt"`
		ModelVersion string `json:"model_version"`
	} `json:"input"`
	Output struct {
		Model         string `json:"model"`
		BaseModel     string `json:"base_model"`
		PBRModel      string `json:"pbr_model"`
		RenderedImage string `json:"rendered_image"`
	} `json:"output"`
	Result          map[string]resultEntry `json:"result"`
	Progress        float64                `json:"progress"`
	CreateTime      int64                  `json:"create_time"`
	RunningLeftTime *float64               `json:"running_left_time"`
	Message         string                 `json:"message"`
}

type createTaskData struct {
	TaskID string `json:"task_id"`
}

type balanceData struct {
	Balance float64 `json:"balance"`
	Frozen  float64 `json:"frozen"`
}

type uploadData struct {
	Token      string `json:"token"`
	ImageToken string `json:"image_token"`
	FileToken  string `json:"file_token"`
}

func (u uploadData) token() string {
	switch {
	case u.FileToken != "":
		return u.FileToken
	case u.ImageToken != "":
		return u.ImageToken
	default:
		return u.Token
	}
}

var modelFieldPriority = []string{"pbr_model", "base_model", "model"}

// modelFields returns the model result fields in lookup order. v2 versions
// prefer the PBR model; older versions check the plain model first.
func modelFields(version string) []string {
	if models.IsV2ModelVersion(version) {
		return modelFieldPriority
	}
	reversed := make([]string, len(modelFieldPriority))
	for i, f := range modelFieldPriority {
		reversed[len(modelFieldPriority)-1-i] = f
	}
	return reversed
}

func (d *taskData) flatOutput(field string) string {
	switch field {
	case "model":
		return d.Output.Model
	case "base_model":
		return d.Output.BaseModel
	case "pbr_model":
		return d.Output.PBRModel
	case "rendered_image":
		return d.Output.RenderedImage
	}
	return ""
}

func (d *taskData) artifact(field string) *models.ArtifactRef {
	if e, ok := d.Result[field]; ok && e.URL != "" {
		return &models.ArtifactRef{URL: e.URL, Format: e.Type}
	}
	if u := d.flatOutput(field); u != "" {
		return &models.ArtifactRef{URL: u}
	}
	return nil
}

// model picks the model artifact by version priority. The format falls
// back to the URL extension and then to glb.
func (d *taskData) model() *models.ArtifactRef {
	for _, field := range modelFields(d.Input.ModelVersion) {
		if ref := d.artifact(field); ref != nil {
			if ref.Format == "" {
				ref.Format = formatFromURL(ref.URL)
			}
			return ref
		}
	}
	return nil
}

func formatFromURL(u string) string {
	switch models.URLExt(u) {
	case ".fbx":
		return string(models.ModelFormatFBX)
	case ".gltf":
		return string(models.ModelFormatGLTF)
	default:
		return string(models.ModelFormatGLB)
	}
}

func (d *taskData) toStatusResponse() *models.StatusResponse {
	resp := &models.StatusResponse{
		JobID:        d.TaskID,
		Status:       models.ParseJobStatus(d.Status),
		RawStatus:    d.Status,
		Progress:     int(d.Progress),
		Kind:         models.JobKind(d.Type),
		InputSummary: d.Input.Prompt,
		ModelVersion: d.Input.ModelVersion,
		Message:      d.Message,
	}
	if d.RunningLeftTime != nil && *d.RunningLeftTime >= 0 {
		eta := *d.RunningLeftTime
		resp.EstimatedRemainingSeconds = &eta
	}
	if d.CreateTime > 0 {
		t := time.Unix(d.CreateTime, 0).UTC()
		resp.CreatedAt = &t
	}
	if resp.Status == models.JobStatusSuccess {
		resp.Model = d.model()
		resp.Preview = d.artifact("rendered_image")
	}
	return resp
}
