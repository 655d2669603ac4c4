package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
	"github.com/desertthunder/pmx/internal/transform"
)

// Form field and header names shared with conversion services.
const (
	FieldFile    = "file"
	FormatHeader = "X-Format"
)

// ConverterConfig configures a [RESTConverter].
type ConverterConfig struct {
	Timeout time.Duration
	// Rate is the maximum number of conversion calls per second. Zero disables throttling.
	Rate float64
	// TokenURL, ClientID and ClientSecret enable the OAuth2 client credentials flow.
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Client overrides the HTTP client. Credentials are ignored when set.
	Client *http.Client
}

// RESTConverter runs conversions by POSTing input files as multipart/form-data to each
// service's endpoint. The response is either a single file or a multipart set of files.
type RESTConverter struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewRESTConverter builds a converter from cfg.
func NewRESTConverter(ctx context.Context, cfg ConverterConfig) *RESTConverter {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
		if cfg.TokenURL != "" && cfg.ClientID != "" {
			cc := clientcredentials.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenURL:     cfg.TokenURL,
			}
			client = cc.Client(ctx)
		}
		client.Timeout = cfg.Timeout
	}

	c := &RESTConverter{client: client}
	if cfg.Rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	return c
}

// Convert implements transform.Converter.
func (c *RESTConverter) Convert(ctx context.Context, svc models.Service, inputs []transform.File) ([]transform.File, error) {
	if svc.Endpoint == "" {
		return nil, fmt.Errorf("%w: service %s has no endpoint", shared.ErrInvalidInput, svc.ID)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, contentType, err := encodeInputs(svc, inputs)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "multipart/mixed, application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", shared.ErrServiceUnavailable, svc.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, (&APIResponse{StatusCode: resp.StatusCode, Body: data}).Err(svc.ID)
	}
	return decodeOutputs(resp, svc)
}

func encodeInputs(svc models.Service, inputs []transform.File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	params := make(map[string]string)
	for _, p := range svc.Parameters {
		if p.Default != "" {
			params[p.Name] = p.Default
		}
	}
	for name, value := range params {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write parameter %s: %w", name, err)
		}
	}

	for _, f := range inputs {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": FieldFile, "filename": f.Name}))
		h.Set("Content-Type", "application/octet-stream")
		h.Set(FormatHeader, f.Format)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part for %s: %w", f.Name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func decodeOutputs(resp *http.Response, svc models.Service) ([]transform.File, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "application/octet-stream"
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return []transform.File{{
			Name:   filenameOf(resp.Header.Get("Content-Disposition")),
			Format: firstNonEmpty(resp.Header.Get(FormatHeader), svc.Output),
			Data:   data,
		}}, nil
	}

	var files []transform.File
	r := multipart.NewReader(resp.Body, params["boundary"])
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: malformed multipart response: %w", shared.ErrAPIRequest, svc.ID, err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}
		files = append(files, transform.File{
			Name:   part.FileName(),
			Format: firstNonEmpty(part.Header.Get(FormatHeader), svc.Output),
			Data:   data,
		})
	}
	return files, nil
}

func filenameOf(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	if params["filename"] == "" {
		return ""
	}
	return path.Base(params["filename"])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
