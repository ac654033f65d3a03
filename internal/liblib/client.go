package liblib

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmorgan81/liblibbot/internal/log"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

const (
	PathText2Img = "/api/generate/webui/text2img/ultra"
	PathImg2Img  = "/api/generate/webui/img2img/ultra"
	PathStatus   = "/api/generate/webui/status"

	// ConnectivityProbeUUID is queried by TestConnectivity. The service answers
	// it with a business error once the signature has been accepted.
	ConnectivityProbeUUID = "test-connection-uuid"

	DefaultAPITimeout      = 30 * time.Second
	DefaultDownloadTimeout = 60 * time.Second
	DefaultUserAgent       = "liblibbot/1.0"
)

type Options struct {
	// HTTPClient and DownloadClient override the default clients and their
	// timeouts.
	HTTPClient      *http.Client
	DownloadClient  *http.Client
	APITimeout      time.Duration
	DownloadTimeout time.Duration
	// RateLimit caps authenticated requests per second; zero disables it.
	RateLimit float64
	UserAgent string
}

// Client talks to the LiblibAI open API. It keeps no per-call state and is
// safe for concurrent use.
type Client struct {
	creds    Credentials
	baseURL  *url.URL
	api      Doer
	download Doer
}

func NewClient(creds Credentials, opts Options) (*Client, error) {
	creds.BaseURL = strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/")
	if creds.BaseURL == "" {
		creds.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(creds.AccessKey) == "" || strings.TrimSpace(creds.SecretKey) == "" {
		return nil, NewValidationError("access key and secret key are required")
	}
	base, err := url.Parse(creds.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, NewValidationError("invalid base url %q", creds.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: lo.Ternary(opts.APITimeout > 0, opts.APITimeout, DefaultAPITimeout)}
	}
	downloadClient := opts.DownloadClient
	if downloadClient == nil {
		downloadClient = &http.Client{Timeout: lo.Ternary(opts.DownloadTimeout > 0, opts.DownloadTimeout, DefaultDownloadTimeout)}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	mws := []Middleware{}
	if opts.RateLimit > 0 {
		mws = append(mws, Limit(rate.NewLimiter(rate.Limit(opts.RateLimit), 1)))
	}
	mws = append(mws,
		Headers(map[string]string{"Content-Type": "application/json", "User-Agent": userAgent}),
		Sign(creds, base.Path),
	)

	return &Client{
		creds:    creds,
		baseURL:  base,
		api:      Chain(httpClient, mws...),
		download: Chain(downloadClient, Headers(map[string]string{"User-Agent": userAgent})),
	}, nil
}

// SubmitTextToImage starts a text-to-image job.
func (c *Client) SubmitTextToImage(ctx context.Context, job JobRequest) (JobHandle, error) {
	if strings.TrimSpace(job.GenerateParams.Prompt) == "" {
		return JobHandle{}, NewValidationError("prompt is required")
	}
	body := text2ImgBody{
		TemplateUUID:   orDefault(job.TemplateID, TemplateText2Img),
		GenerateParams: job.GenerateParams,
	}
	return c.submit(ctx, PathText2Img, body)
}

// SubmitImageToImage starts an image-to-image job. GenerateParams.SourceImage
// is required.
func (c *Client) SubmitImageToImage(ctx context.Context, job JobRequest) (JobHandle, error) {
	if strings.TrimSpace(job.GenerateParams.Prompt) == "" {
		return JobHandle{}, NewValidationError("prompt is required")
	}
	if strings.TrimSpace(job.GenerateParams.SourceImage) == "" {
		return JobHandle{}, NewValidationError("source image is required for image-to-image")
	}
	body := img2ImgBody{
		TemplateUUID:   orDefault(job.TemplateID, TemplateImg2Img),
		GenerateParams: job.GenerateParams,
	}
	return c.submit(ctx, PathImg2Img, body)
}

func (c *Client) submit(ctx context.Context, path string, body any) (JobHandle, error) {
	var handle JobHandle
	if err := c.call(ctx, path, body, &handle); err != nil {
		return JobHandle{}, err
	}
	if handle.GenerateUUID == "" {
		return JobHandle{}, &Error{
			Kind:    KindTransport,
			Code:    CodeInvalidResponse,
			Message: "submission response carries no generateUuid",
		}
	}
	log.FromContextOrDiscard(ctx).Info("submitted generation job", "path", path, "generateUuid", handle.GenerateUUID)
	return handle, nil
}

// QueryStatus fetches the current status of a job.
func (c *Client) QueryStatus(ctx context.Context, generateUUID string) (*JobStatus, error) {
	if strings.TrimSpace(generateUUID) == "" {
		return nil, NewValidationError("generateUuid is required")
	}
	var status JobStatus
	if err := c.call(ctx, PathStatus, statusBody{GenerateUUID: generateUUID}, &status); err != nil {
		return nil, err
	}
	if status.GenerateUUID == "" {
		status.GenerateUUID = generateUUID
	}
	return &status, nil
}

// DownloadBinary fetches rawURL without signing it; image URLs are pre-signed.
func (c *Client) DownloadBinary(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, NewValidationError("invalid image url %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, NewValidationError("build download request: %v", err)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, transportError("image download failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("image download failed", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, httpError(resp.StatusCode, data)
	}
	return data, nil
}

// TestConnectivity reports whether the credentials can reach the API. A 400
// business error for the probe id proves the request was authenticated.
func (c *Client) TestConnectivity(ctx context.Context) bool {
	_, err := c.QueryStatus(ctx, ConnectivityProbeUUID)
	if err == nil {
		return true
	}
	log.FromContextOrDiscard(ctx).Debug("connectivity probe returned error", "error", err)
	e, ok := AsError(err)
	return ok && e.Kind == KindService && e.StatusCode == http.StatusBadRequest
}

func (c *Client) call(ctx context.Context, path string, body, data any) error {
	logger := log.FromContextOrDiscard(ctx).WithGroup("liblib").With("path", path)

	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindUnknown, Code: CodeUnknown, Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(path).String(), bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: KindUnknown, Code: CodeUnknown, Message: "build request", Err: err}
	}

	start := time.Now()
	resp, err := c.api.Do(req)
	if err != nil {
		logger.Debug("request failed", "error", err, "elapsed", time.Since(start))
		return transportError("network request failed, check connectivity", err)
	}
	logger.Debug("request completed", "status", resp.StatusCode, "elapsed", time.Since(start))
	return decodeResponse(resp, data)
}

// decodeResponse unwraps the {code, msg, data} envelope into data.
func decodeResponse(resp *http.Response, data any) error {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError("read response body", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return httpError(resp.StatusCode, raw)
	}

	var env envelope[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{
			Kind:       KindTransport,
			Code:       CodeInvalidResponse,
			Message:    "malformed response body",
			StatusCode: resp.StatusCode,
			Details:    string(raw),
			Err:        err,
		}
	}
	if env.Code != 0 {
		return &Error{
			Kind:       KindService,
			Code:       strconv.Itoa(env.Code),
			Message:    orDefault(env.Msg, fmt.Sprintf("service error %d", env.Code)),
			StatusCode: resp.StatusCode,
			Details:    decodeDetails(raw),
		}
	}
	if data == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return &Error{
			Kind:       KindTransport,
			Code:       CodeInvalidResponse,
			Message:    "malformed response data",
			StatusCode: resp.StatusCode,
			Details:    string(env.Data),
			Err:        err,
		}
	}
	return nil
}

func transportError(message string, err error) error {
	if e, ok := AsError(err); ok {
		return e
	}
	return &Error{Kind: KindTransport, Code: CodeNetwork, Message: message, Err: err}
}

// httpError builds an error from a 4xx/5xx response, taking msg or message
// and code from the body when it is JSON. A 5xx without a JSON body comes
// from a gateway in front of the API and is reported as a transport failure.
func httpError(status int, raw []byte) error {
	e := &Error{
		Kind:       KindService,
		Message:    fmt.Sprintf("HTTP %d error", status),
		StatusCode: status,
		Details:    decodeDetails(raw),
	}
	body, ok := e.Details.(map[string]any)
	if !ok {
		if status >= http.StatusInternalServerError {
			e.Kind = KindTransport
			e.Code = CodeNetwork
		}
		return e
	}
	for _, key := range []string{"msg", "message"} {
		if s, ok := body[key].(string); ok && s != "" {
			e.Message = s
			break
		}
	}
	if code, ok := body["code"]; ok && code != nil {
		e.Code = fmt.Sprint(code)
	}
	return e
}

func decodeDetails(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return string(raw)
	}
	return body
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
