package liblib

import (
	"fmt"
	"log/slog"
)

const (
	DefaultBaseURL = "https://openapi.liblibai.cloud"

	// Star-3 Alpha templates.
	TemplateText2Img = "5d7e67009b344550bc1aa6ccbfa1d7f4"
	TemplateImg2Img  = "07e00af4fc464c7ab55ff906f8acf1b7"
)

// Credentials identify an API account. The secret never appears in logs.
type Credentials struct {
	AccessKey string
	SecretKey string
	BaseURL   string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{AccessKey: %s, BaseURL: %s}", c.AccessKey, c.BaseURL)
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("accessKey", c.AccessKey),
		slog.String("baseUrl", c.BaseURL),
	)
}

type AspectRatio string

const (
	AspectSquare    AspectRatio = "square"
	AspectPortrait  AspectRatio = "portrait"
	AspectLandscape AspectRatio = "landscape"
)

type ControlType string

const (
	ControlLine      ControlType = "line"
	ControlDepth     ControlType = "depth"
	ControlPose      ControlType = "pose"
	ControlIPAdapter ControlType = "IPAdapter"
	ControlSubject   ControlType = "subject"
)

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ControlNet struct {
	ControlType  ControlType `json:"controlType"`
	ControlImage string      `json:"controlImage"`
}

// GenerateParams is sent verbatim as "generateParams". Either AspectRatio or
// ImageSize selects the output size.
type GenerateParams struct {
	Prompt      string      `json:"prompt"`
	AspectRatio AspectRatio `json:"aspectRatio,omitempty"`
	ImageSize   *ImageSize  `json:"imageSize,omitempty"`
	ImgCount    int         `json:"imgCount,omitempty"`
	Steps       int         `json:"steps,omitempty"`
	SourceImage string      `json:"sourceImage,omitempty"`
	ControlNet  *ControlNet `json:"controlnet,omitempty"`
}

type JobRequest struct {
	TemplateID     string
	GenerateParams GenerateParams
}

// The two submit endpoints disagree on the casing of the template key.
type text2ImgBody struct {
	TemplateUUID   string         `json:"templateUuid"`
	GenerateParams GenerateParams `json:"generateParams"`
}

type img2ImgBody struct {
	TemplateUUID   string         `json:"templateUUID"`
	GenerateParams GenerateParams `json:"generateParams"`
}

type statusBody struct {
	GenerateUUID string `json:"generateUuid"`
}

type JobHandle struct {
	GenerateUUID string `json:"generateUuid"`
}

type GenerateStatus int

const (
	StatusQueued     GenerateStatus = 1
	StatusProcessing GenerateStatus = 2
	StatusCompleted  GenerateStatus = 5
	StatusFailed     GenerateStatus = 6
)

func (s GenerateStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type AuditStatus int

const (
	AuditPending  AuditStatus = 1
	AuditApproved AuditStatus = 3
	AuditRejected AuditStatus = 4
)

func (s AuditStatus) String() string {
	switch s {
	case AuditPending:
		return "pending"
	case AuditApproved:
		return "approved"
	case AuditRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type GeneratedImage struct {
	ImageURL    string      `json:"imageUrl"`
	Seed        int64       `json:"seed"`
	AuditStatus AuditStatus `json:"auditStatus"`
}

// JobStatus is a snapshot of a job as of the query that produced it.
type JobStatus struct {
	GenerateUUID     string           `json:"generateUuid"`
	GenerateStatus   GenerateStatus   `json:"generateStatus"`
	PercentCompleted float64          `json:"percentCompleted"`
	GenerateMsg      string           `json:"generateMsg"`
	PointsCost       float64          `json:"pointsCost"`
	AccountBalance   float64          `json:"accountBalance"`
	Images           []GeneratedImage `json:"images"`
}

type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}
