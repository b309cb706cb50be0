package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/models"
)

const (
	// DefaultTransportTimeout is the HTTP client timeout used when none is set.
	DefaultTransportTimeout = 30 * time.Second

	// HeaderActionID carries the pending action id so the endpoint can dedupe.
	HeaderActionID = "X-Action-ID"
	// HeaderRetryCount carries the number of earlier failed attempts.
	HeaderRetryCount = "X-Retry-Count"

	maxErrorBody = 64 << 10
)

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	Endpoint   string
	Timeout    time.Duration
	AuthHeader string            // sent as Authorization when set
	Headers    map[string]string // extra static headers
	Client     *http.Client
}

// HTTPTransport posts pending actions as multipart/form-data.
type HTTPTransport struct {
	endpoint   string
	authHeader string
	headers    map[string]string
	client     *http.Client
}

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.ErrConfig, "sync endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTransportTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTransport{
		endpoint:   cfg.Endpoint,
		authHeader: cfg.AuthHeader,
		headers:    cfg.Headers,
		client:     client,
	}, nil
}

// Deliver posts action and succeeds only on a 2xx response.
func (t *HTTPTransport) Deliver(ctx context.Context, action *models.PendingAction) error {
	body, contentType, err := encodeMultipart(action.Data)
	if err != nil {
		return errors.Wrap(errors.ErrSyncDelivery, "failed to encode pending action", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return errors.Wrap(errors.ErrSyncDelivery, "failed to build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderActionID, action.ID)
	req.Header.Set(HeaderRetryCount, strconv.Itoa(action.RetryCount))
	if t.authHeader != "" {
		req.Header.Set("Authorization", t.authHeader)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrSyncDelivery, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return errors.Wrap(errors.ErrSyncDelivery, "failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf(errors.ErrSyncDelivery, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(data models.ActionData) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	keys := make([]string, 0, len(data.Fields))
	for k := range data.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, data.Fields[k]); err != nil {
			return nil, "", err
		}
	}

	for _, a := range data.Attachments {
		filename := a.Filename
		if filename == "" {
			filename = a.Name
		}
		mimeType := a.MimeType
		if mimeType == "" {
			mimeType = mimetype.Detect(a.Data).String()
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(a.Name), quoteEscaper.Replace(filename)))
		h.Set("Content-Type", mimeType)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}
