package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/dmorgan81/liblibbot/internal/image"
	"github.com/dmorgan81/liblibbot/internal/liblib"
	"github.com/dmorgan81/liblibbot/internal/log"
	"github.com/dmorgan81/liblibbot/internal/poll"
	"github.com/google/uuid"
	"github.com/samber/do"
	"github.com/samber/lo"
)

type Operation string

const (
	OperationText2Img    Operation = "text2img"
	OperationImg2Img     Operation = "img2img"
	OperationCheckStatus Operation = "checkStatus"
	// OperationTestConnection checks the configured credentials.
	OperationTestConnection Operation = "testConnection"
)

const (
	MinMaxWaitTime      = 30
	MaxMaxWaitTime      = 1800
	DefaultMaxWaitTime  = 300
	MinPollInterval     = 1
	MaxPollInterval     = 60
	DefaultPollInterval = 5
)

// Event is one invocation: a batch of items processed in order.
type Event struct {
	Items          []Input `json:"items"`
	ContinueOnFail bool    `json:"continueOnFail,omitempty"`
}

type Input struct {
	Operation Operation `json:"operation,omitempty"`
	image.Params

	GenerateUUID      string `json:"generateUuid,omitempty"`
	WaitForCompletion *bool  `json:"waitForCompletion,omitempty"`
	MaxWaitTime       int    `json:"maxWaitTime,omitempty"`
	PollInterval      int    `json:"pollInterval,omitempty"`
	Publish           bool   `json:"publish,omitempty"`
}

func (i Input) operation() Operation {
	return lo.Ternary(i.Operation != "", i.Operation, OperationText2Img)
}

func (i Input) wait() bool {
	return i.WaitForCompletion == nil || *i.WaitForCompletion
}

func (i Input) pollConfig() poll.Config {
	base := time.Duration(lo.Ternary(i.PollInterval > 0, i.PollInterval, DefaultPollInterval)) * time.Second
	return poll.Config{
		MaxWait:      time.Duration(lo.Ternary(i.MaxWaitTime > 0, i.MaxWaitTime, DefaultMaxWaitTime)) * time.Second,
		BaseInterval: base,
		MaxInterval:  max(poll.DefaultMaxInterval, base),
	}
}

func (i Input) validateAsync() error {
	if i.MaxWaitTime != 0 && (i.MaxWaitTime < MinMaxWaitTime || i.MaxWaitTime > MaxMaxWaitTime) {
		return liblib.NewValidationError("maxWaitTime must be between %d and %d seconds", MinMaxWaitTime, MaxMaxWaitTime)
	}
	if i.PollInterval != 0 && (i.PollInterval < MinPollInterval || i.PollInterval > MaxPollInterval) {
		return liblib.NewValidationError("pollInterval must be between %d and %d seconds", MinPollInterval, MaxPollInterval)
	}
	return nil
}

// Result is returned per item. Status fields of the last observed job status
// are inlined.
type Result struct {
	Success      bool      `json:"success"`
	Operation    Operation `json:"operation,omitempty"`
	GenerateUUID string    `json:"generateUuid,omitempty"`
	Status       string    `json:"status,omitempty"`
	Message      string    `json:"message,omitempty"`
	*liblib.JobStatus

	Binary    map[string]image.Attachment `json:"binary,omitempty"`
	Published []string                    `json:"published,omitempty"`

	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Client is the part of *liblib.Client the handler drives.
type Client interface {
	SubmitTextToImage(context.Context, liblib.JobRequest) (liblib.JobHandle, error)
	SubmitImageToImage(context.Context, liblib.JobRequest) (liblib.JobHandle, error)
	TestConnectivity(context.Context) bool
	poll.StatusQuerier
	image.BinaryFetcher
}

type ImagePublisher interface {
	Publish(context.Context, PublishRequest) ([]string, error)
}

type Handler struct {
	client     Client
	downloader *image.Downloader
	publisher  ImagePublisher
	pollOpts   []poll.Option
}

// New builds a handler. publisher may be nil, in which case publish requests
// are rejected.
func New(client Client, publisher ImagePublisher, pollOpts ...poll.Option) *Handler {
	return &Handler{
		client:     client,
		downloader: image.NewDownloader(client),
		publisher:  publisher,
		pollOpts:   pollOpts,
	}
}

func NewHandler(i *do.Injector) (*Handler, error) {
	var publisher ImagePublisher
	if do.MustInvokeNamed[string](i, "bucket") != "" {
		publisher = do.MustInvoke[*Publisher](i)
	}
	return New(do.MustInvoke[*liblib.Client](i), publisher), nil
}

func (h *Handler) Handle(ctx context.Context, event Event) ([]Result, error) {
	logger := log.FromContextOrDiscard(ctx).With("correlationId", correlationID(ctx))
	logger.Info("handling lambda invocation", "items", len(event.Items), "continueOnFail", event.ContinueOnFail)

	results := make([]Result, 0, len(event.Items))
	for idx, input := range event.Items {
		itemCtx := log.NewContext(ctx, logger.With("item", idx, "operation", input.operation()))
		result, err := h.process(itemCtx, input)
		if err != nil {
			if !event.ContinueOnFail {
				return nil, fmt.Errorf("item %d: %w", idx, err)
			}
			logger.Warn("item failed, continuing", "item", idx, "error", err)
			results = append(results, errorResult(input.operation(), err))
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (h *Handler) process(ctx context.Context, input Input) (Result, error) {
	op := input.operation()
	if input.Publish && h.publisher == nil {
		return Result{}, liblib.NewValidationError("publish requested but no bucket is configured")
	}
	switch op {
	case OperationText2Img, OperationImg2Img:
		return h.generate(ctx, op, input)
	case OperationCheckStatus:
		return h.checkStatus(ctx, input)
	case OperationTestConnection:
		ok := h.client.TestConnectivity(ctx)
		return Result{
			Success:   ok,
			Operation: op,
			Message:   lo.Ternary(ok, "credentials accepted", "could not reach the API with these credentials"),
		}, nil
	default:
		return Result{}, liblib.NewValidationError("unknown operation %q", op)
	}
}

func (h *Handler) generate(ctx context.Context, op Operation, input Input) (Result, error) {
	withSource := op == OperationImg2Img
	if err := input.Params.Validate(withSource); err != nil {
		return Result{}, err
	}
	if err := input.validateAsync(); err != nil {
		return Result{}, err
	}

	var (
		handle liblib.JobHandle
		err    error
	)
	if withSource {
		handle, err = h.client.SubmitImageToImage(ctx, input.Params.JobRequest(liblib.TemplateImg2Img, true))
	} else {
		handle, err = h.client.SubmitTextToImage(ctx, input.Params.JobRequest(liblib.TemplateText2Img, false))
	}
	if err != nil {
		return Result{}, err
	}

	if !input.wait() {
		return Result{
			Success:      true,
			Operation:    op,
			GenerateUUID: handle.GenerateUUID,
			Status:       "submitted",
			Message:      "job submitted, query its status with the generateUuid",
		}, nil
	}

	log := log.FromContextOrDiscard(ctx)
	poller := poll.New(h.client, input.pollConfig(), h.pollOpts...)
	status, err := poller.PollUntilComplete(ctx, handle.GenerateUUID, func(s *liblib.JobStatus) {
		log.Info(poll.DescribeStatus(s.GenerateStatus), "generateUuid", s.GenerateUUID, "percentCompleted", s.PercentCompleted)
	})
	if err != nil {
		return Result{}, err
	}
	return h.collect(ctx, op, input, status)
}

func (h *Handler) checkStatus(ctx context.Context, input Input) (Result, error) {
	id := strings.TrimSpace(input.GenerateUUID)
	if id == "" {
		return Result{}, liblib.NewValidationError("generateUuid must not be empty")
	}
	status, err := h.client.QueryStatus(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if status.GenerateStatus != liblib.StatusCompleted {
		return Result{Success: true, Operation: OperationCheckStatus, GenerateUUID: status.GenerateUUID, JobStatus: status}, nil
	}
	return h.collect(ctx, OperationCheckStatus, input, status)
}

// collect downloads the approved images of a completed job and publishes
// them when asked to.
func (h *Handler) collect(ctx context.Context, op Operation, input Input, status *liblib.JobStatus) (Result, error) {
	result := Result{
		Success:      true,
		Operation:    op,
		GenerateUUID: status.GenerateUUID,
		JobStatus:    status,
	}
	if len(status.Images) == 0 {
		return result, nil
	}
	result.Binary = h.downloader.DownloadApproved(ctx, status.Images)

	if input.Publish && len(result.Binary) > 0 {
		published, err := h.publisher.Publish(ctx, PublishRequest{
			GenerateUUID: status.GenerateUUID,
			Prompt:       strings.TrimSpace(input.Prompt),
			Attachments:  result.Binary,
		})
		if err != nil {
			return Result{}, fmt.Errorf("publish %s: %w", status.GenerateUUID, err)
		}
		result.Published = published
	}
	return result, nil
}

func errorResult(op Operation, err error) Result {
	r := Result{
		Success:   false,
		Operation: op,
		Error:     err.Error(),
		Code:      liblib.CodeUnknown,
		Kind:      liblib.KindUnknown.String(),
	}
	if e, ok := liblib.AsError(err); ok {
		r.Error = e.Message
		r.Code = lo.Ternary(e.Code != "", e.Code, liblib.CodeUnknown)
		r.Kind = e.Kind.String()
		r.Details = e.Details
	}
	return r
}

func correlationID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return uuid.NewString()
}
