package liblib

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dmorgan81/liblibbot/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessKey = "KIQMFXjHaobx7wqo9XvYKA"
	testSecretKey = "KppKsn7ezZxhi6lIDjbo7YyVYzanSu2d"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	client, err := NewClient(Credentials{AccessKey: testAccessKey, SecretKey: testSecretKey, BaseURL: ts.URL}, Options{})
	require.NoError(t, err)
	return client, ts
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(Credentials{AccessKey: "a", SecretKey: "s"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, client.creds.BaseURL)
}

func TestNewClientRequiresKeys(t *testing.T) {
	_, err := NewClient(Credentials{AccessKey: "a"}, Options{})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestCredentialsNeverExposeSecret(t *testing.T) {
	creds := Credentials{AccessKey: testAccessKey, SecretKey: testSecretKey, BaseURL: DefaultBaseURL}
	assert.NotContains(t, fmt.Sprint(creds), testSecretKey)
	assert.NotContains(t, fmt.Sprintf("%+v", creds), testSecretKey)

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("creds", "creds", creds)
	assert.NotContains(t, buf.String(), testSecretKey)
	assert.Contains(t, buf.String(), testAccessKey)
}

func TestSubmitTextToImage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathText2Img, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		q := r.URL.Query()
		assert.Equal(t, testAccessKey, q.Get("AccessKey"))
		assert.Len(t, q.Get("SignatureNonce"), signature.NonceLength)
		assert.True(t, signature.IsTimestampValid(q.Get("Timestamp")))
		assert.True(t, signature.Verify(PathText2Img, q.Get("Timestamp"), q.Get("SignatureNonce"), q.Get("Signature"), testSecretKey))

		body := decodeBody(t, r)
		assert.Equal(t, TemplateText2Img, body["templateUuid"])
		assert.NotContains(t, body, "templateUUID")
		params := body["generateParams"].(map[string]any)
		assert.Equal(t, "a red fox in snow", params["prompt"])
		assert.Equal(t, "portrait", params["aspectRatio"])
		assert.EqualValues(t, 1, params["imgCount"])
		assert.NotContains(t, params, "imageSize")
		assert.NotContains(t, params, "sourceImage")

		writeJSON(t, w, http.StatusOK, map[string]any{"code": 0, "msg": "", "data": map[string]any{"generateUuid": "job-1"}})
	})

	handle, err := client.SubmitTextToImage(context.Background(), JobRequest{
		GenerateParams: GenerateParams{Prompt: "a red fox in snow", AspectRatio: AspectPortrait, ImgCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", handle.GenerateUUID)
}

func TestSubmitImageToImageUsesUppercaseTemplateKey(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathImg2Img, r.URL.Path)
		q := r.URL.Query()
		assert.True(t, signature.Verify(PathImg2Img, q.Get("Timestamp"), q.Get("SignatureNonce"), q.Get("Signature"), testSecretKey))

		body := decodeBody(t, r)
		assert.Equal(t, TemplateImg2Img, body["templateUUID"])
		assert.NotContains(t, body, "templateUuid")
		params := body["generateParams"].(map[string]any)
		assert.Equal(t, "https://example.com/in.png", params["sourceImage"])
		assert.Equal(t, map[string]any{"controlType": "depth", "controlImage": "https://example.com/depth.png"}, params["controlnet"])

		writeJSON(t, w, http.StatusOK, map[string]any{"code": 0, "data": map[string]any{"generateUuid": "job-2"}})
	})

	handle, err := client.SubmitImageToImage(context.Background(), JobRequest{
		GenerateParams: GenerateParams{
			Prompt:      "make it winter",
			ImageSize:   &ImageSize{Width: 768, Height: 1024},
			SourceImage: "https://example.com/in.png",
			ControlNet:  &ControlNet{ControlType: ControlDepth, ControlImage: "https://example.com/depth.png"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-2", handle.GenerateUUID)
}

func TestSubmitBodiesKeyCasing(t *testing.T) {
	params := GenerateParams{Prompt: "p"}

	t2i, err := json.Marshal(text2ImgBody{TemplateUUID: TemplateText2Img, GenerateParams: params})
	require.NoError(t, err)
	assert.Contains(t, string(t2i), `"templateUuid":`)
	assert.NotContains(t, string(t2i), `"templateUUID":`)

	i2i, err := json.Marshal(img2ImgBody{TemplateUUID: TemplateImg2Img, GenerateParams: params})
	require.NoError(t, err)
	assert.Contains(t, string(i2i), `"templateUUID":`)
	assert.NotContains(t, string(i2i), `"templateUuid":`)
}

func TestSubmitImageToImageRequiresSource(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := client.SubmitImageToImage(context.Background(), JobRequest{GenerateParams: GenerateParams{Prompt: "p"}})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Zero(t, calls.Load())
}

func TestSignedPathExcludesBasePath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway"+PathStatus, r.URL.Path)
		q := r.URL.Query()
		assert.True(t, signature.Verify(PathStatus, q.Get("Timestamp"), q.Get("SignatureNonce"), q.Get("Signature"), testSecretKey))
		writeJSON(t, w, http.StatusOK, map[string]any{"code": 0, "data": map[string]any{"generateUuid": "job", "generateStatus": 1}})
	}))
	defer ts.Close()

	client, err := NewClient(Credentials{AccessKey: testAccessKey, SecretKey: testSecretKey, BaseURL: ts.URL + "/gateway/"}, Options{})
	require.NoError(t, err)
	_, err = client.QueryStatus(context.Background(), "job")
	require.NoError(t, err)
}

func TestQueryStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathStatus, r.URL.Path)
		assert.Equal(t, map[string]any{"generateUuid": "job-1"}, decodeBody(t, r))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"code": 0,
			"msg":  "",
			"data": map[string]any{
				"generateUuid":     "job-1",
				"generateStatus":   5,
				"percentCompleted": 1,
				"generateMsg":      "",
				"pointsCost":       10,
				"accountBalance":   990,
				"images": []map[string]any{
					{"imageUrl": "https://cdn.example.com/a.png", "seed": 42, "auditStatus": 3},
					{"imageUrl": "https://cdn.example.com/b.png", "seed": 43, "auditStatus": 4},
				},
			},
		})
	})

	status, err := client.QueryStatus(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.GenerateStatus)
	assert.EqualValues(t, 10, status.PointsCost)
	assert.EqualValues(t, 990, status.AccountBalance)
	require.Len(t, status.Images, 2)
	assert.Equal(t, GeneratedImage{ImageURL: "https://cdn.example.com/a.png", Seed: 42, AuditStatus: AuditApproved}, status.Images[0])
	assert.Equal(t, AuditRejected, status.Images[1].AuditStatus)
}

func TestErrorNormalization(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		kind       Kind
		code       string
		message    string
		httpStatus int
	}{
		{
			name:       "envelope business error",
			status:     http.StatusOK,
			body:       `{"code":100010,"msg":"insufficient points","data":null}`,
			kind:       KindService,
			code:       "100010",
			message:    "insufficient points",
			httpStatus: http.StatusOK,
		},
		{
			name:       "http error with msg",
			status:     http.StatusUnauthorized,
			body:       `{"code":401,"msg":"signature invalid"}`,
			kind:       KindService,
			code:       "401",
			message:    "signature invalid",
			httpStatus: http.StatusUnauthorized,
		},
		{
			name:       "http error with message",
			status:     http.StatusForbidden,
			body:       `{"message":"forbidden"}`,
			kind:       KindService,
			message:    "forbidden",
			httpStatus: http.StatusForbidden,
		},
		{
			name:       "gateway error without json",
			status:     http.StatusBadGateway,
			body:       `<html>bad gateway</html>`,
			kind:       KindTransport,
			code:       CodeNetwork,
			message:    "HTTP 502 error",
			httpStatus: http.StatusBadGateway,
		},
		{
			name:       "server error with json",
			status:     http.StatusInternalServerError,
			body:       `{"code":500,"msg":"internal error"}`,
			kind:       KindService,
			code:       "500",
			message:    "internal error",
			httpStatus: http.StatusInternalServerError,
		},
		{
			name:       "client error without json",
			status:     http.StatusNotFound,
			body:       `not found`,
			kind:       KindService,
			message:    "HTTP 404 error",
			httpStatus: http.StatusNotFound,
		},
		{
			name:       "malformed success body",
			status:     http.StatusOK,
			body:       `<html>captive portal</html>`,
			kind:       KindTransport,
			code:       CodeInvalidResponse,
			message:    "malformed response body",
			httpStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.QueryStatus(context.Background(), "job")
			require.Error(t, err)
			e, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.message, e.Message)
			assert.Equal(t, tt.httpStatus, e.StatusCode)
			assert.NotNil(t, e.Details)
		})
	}
}

func TestTransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := ts.URL
	ts.Close()

	client, err := NewClient(Credentials{AccessKey: "a", SecretKey: "s", BaseURL: url}, Options{})
	require.NoError(t, err)

	_, err = client.QueryStatus(context.Background(), "job")
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTransport, e.Kind)
	assert.Equal(t, CodeNetwork, e.Code)
	assert.Zero(t, e.StatusCode)
	assert.True(t, IsRetryable(err))
}

func TestTestConnectivity(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected bool
	}{
		{name: "success", status: http.StatusOK, body: `{"code":0,"data":{"generateUuid":"test-connection-uuid","generateStatus":1}}`, expected: true},
		{name: "not found business error", status: http.StatusBadRequest, body: `{"code":400,"msg":"task not found"}`, expected: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"code":401,"msg":"bad signature"}`, expected: false},
		{name: "forbidden", status: http.StatusForbidden, body: `{"code":403,"msg":"forbidden"}`, expected: false},
		{name: "malformed", status: http.StatusOK, body: `not json`, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, map[string]any{"generateUuid": ConnectivityProbeUUID}, decodeBody(t, r))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			assert.Equal(t, tt.expected, client.TestConnectivity(context.Background()))
		})
	}

	t.Run("network failure", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		ts.Close()
		client, err := NewClient(Credentials{AccessKey: "a", SecretKey: "s", BaseURL: ts.URL}, Options{})
		require.NoError(t, err)
		assert.False(t, client.TestConnectivity(context.Background()))
	})
}

func TestDownloadBinary(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	client, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.URL.Query().Get("Signature"))
		assert.Empty(t, r.URL.Query().Get("AccessKey"))
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(png)
	})

	data, err := client.DownloadBinary(context.Background(), ts.URL+"/img.png?sig=abc")
	require.NoError(t, err)
	assert.Equal(t, png, data)

	_, err = client.DownloadBinary(context.Background(), ts.URL+"/missing.png")
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindService, e.Kind)
	assert.Equal(t, http.StatusNotFound, e.StatusCode)

	_, err = client.DownloadBinary(context.Background(), "ftp://example.com/a.png")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestRateLimitedClientStillSigns(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.True(t, signature.Verify(PathStatus, q.Get("Timestamp"), q.Get("SignatureNonce"), q.Get("Signature"), testSecretKey))
		writeJSON(t, w, http.StatusOK, map[string]any{"code": 0, "data": map[string]any{"generateStatus": 2}})
	}))
	defer ts.Close()

	client, err := NewClient(Credentials{AccessKey: testAccessKey, SecretKey: testSecretKey, BaseURL: ts.URL}, Options{RateLimit: 100})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		status, err := client.QueryStatus(context.Background(), "job")
		require.NoError(t, err)
		assert.Equal(t, "job", status.GenerateUUID)
	}
	assert.EqualValues(t, 3, calls.Load())
}
