// Package image turns flat host parameters into LiblibAI job requests and
// collects the approved results.
package image

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/dmorgan81/liblibbot/internal/liblib"
	"github.com/samber/lo"
)

const (
	MaxPromptLength = 2000
	MinImageSide    = 512
	MaxImageSide    = 2048
	DefaultWidth    = 768
	DefaultHeight   = 1024
	MinImgCount     = 1
	MaxImgCount     = 4
	MinSteps        = 10
	MaxSteps        = 100
)

type SizeMode string

const (
	SizeModeAspectRatio SizeMode = "aspectRatio"
	SizeModeCustom      SizeMode = "custom"
)

type ControlNet struct {
	Enabled      bool               `json:"enabled"`
	ControlType  liblib.ControlType `json:"controlType,omitempty"`
	ControlImage string             `json:"controlImage,omitempty"`
}

// Params is the flat parameter set a host passes for text2img and img2img.
// Zero values mean "use the default".
type Params struct {
	Prompt      string             `json:"prompt"`
	ImgCount    int                `json:"imgCount,omitempty"`
	SizeMode    SizeMode           `json:"sizeMode,omitempty"`
	AspectRatio liblib.AspectRatio `json:"aspectRatio,omitempty"`
	ImageWidth  int                `json:"imageWidth,omitempty"`
	ImageHeight int                `json:"imageHeight,omitempty"`
	Steps       int                `json:"steps,omitempty"`
	ControlNet  *ControlNet        `json:"controlNet,omitempty"`
	SourceImage string             `json:"sourceImage,omitempty"`
}

var (
	aspectRatios = []liblib.AspectRatio{liblib.AspectSquare, liblib.AspectPortrait, liblib.AspectLandscape}
	controlTypes = []liblib.ControlType{
		liblib.ControlLine, liblib.ControlDepth, liblib.ControlPose, liblib.ControlIPAdapter, liblib.ControlSubject,
	}
)

// Validate checks p before anything is sent. withSource additionally
// requires an http(s) source image.
func (p Params) Validate(withSource bool) error {
	prompt := strings.TrimSpace(p.Prompt)
	if prompt == "" {
		return liblib.NewValidationError("prompt must not be empty")
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return liblib.NewValidationError("prompt must not exceed %d characters", MaxPromptLength)
	}
	if p.ImgCount != 0 && (p.ImgCount < MinImgCount || p.ImgCount > MaxImgCount) {
		return liblib.NewValidationError("imgCount must be between %d and %d", MinImgCount, MaxImgCount)
	}

	switch p.sizeMode() {
	case SizeModeAspectRatio:
		if p.AspectRatio != "" && !lo.Contains(aspectRatios, p.AspectRatio) {
			return liblib.NewValidationError("unknown aspect ratio %q", p.AspectRatio)
		}
	case SizeModeCustom:
		w, h := p.size()
		if w < MinImageSide || w > MaxImageSide || h < MinImageSide || h > MaxImageSide {
			return liblib.NewValidationError("image size must be within %d-%d pixels", MinImageSide, MaxImageSide)
		}
	default:
		return liblib.NewValidationError("unknown size mode %q", p.SizeMode)
	}

	if p.Steps != 0 && (p.Steps < MinSteps || p.Steps > MaxSteps) {
		return liblib.NewValidationError("steps must be between %d and %d", MinSteps, MaxSteps)
	}

	if cn := p.ControlNet; cn != nil && cn.Enabled {
		if cn.ControlType != "" && !lo.Contains(controlTypes, cn.ControlType) {
			return liblib.NewValidationError("unknown control type %q", cn.ControlType)
		}
		if strings.TrimSpace(cn.ControlImage) == "" {
			return liblib.NewValidationError("control image is required when ControlNet is enabled")
		}
		if !IsHTTPURL(cn.ControlImage) {
			return liblib.NewValidationError("control image must be an http or https URL")
		}
	}

	if withSource {
		if strings.TrimSpace(p.SourceImage) == "" {
			return liblib.NewValidationError("source image URL is required for image-to-image")
		}
		if !IsHTTPURL(p.SourceImage) {
			return liblib.NewValidationError("source image must be an http or https URL")
		}
	}
	return nil
}

// JobRequest converts validated params into the upstream request for
// template. The source image is only carried when withSource is set.
func (p Params) JobRequest(template string, withSource bool) liblib.JobRequest {
	gp := liblib.GenerateParams{
		Prompt:   strings.TrimSpace(p.Prompt),
		ImgCount: lo.Ternary(p.ImgCount > 0, p.ImgCount, MinImgCount),
		Steps:    p.Steps,
	}
	if p.sizeMode() == SizeModeCustom {
		w, h := p.size()
		gp.ImageSize = &liblib.ImageSize{Width: w, Height: h}
	} else {
		gp.AspectRatio = lo.Ternary(p.AspectRatio != "", p.AspectRatio, liblib.AspectPortrait)
	}
	if cn := p.ControlNet; cn != nil && cn.Enabled && cn.ControlImage != "" {
		gp.ControlNet = &liblib.ControlNet{
			ControlType:  lo.Ternary(cn.ControlType != "", cn.ControlType, liblib.ControlDepth),
			ControlImage: strings.TrimSpace(cn.ControlImage),
		}
	}
	if withSource {
		gp.SourceImage = strings.TrimSpace(p.SourceImage)
	}
	return liblib.JobRequest{TemplateID: template, GenerateParams: gp}
}

func (p Params) sizeMode() SizeMode {
	return lo.Ternary(p.SizeMode != "", p.SizeMode, SizeModeAspectRatio)
}

func (p Params) size() (int, int) {
	return lo.Ternary(p.ImageWidth != 0, p.ImageWidth, DefaultWidth),
		lo.Ternary(p.ImageHeight != 0, p.ImageHeight, DefaultHeight)
}

func IsHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
