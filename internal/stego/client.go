package stego

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"cashucloak/internal/credential"
	"cashucloak/internal/remote"
)

// DefaultTimeout bounds a single codec request. Embedding rewrites the whole
// image server-side, so it is more generous than the wallet's.
const DefaultTimeout = 60 * time.Second

// HTTPConfig configures the HTTP codec.
type HTTPConfig struct {
	// URL is the base URL of the service exposing /steganography/*.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests when HTTPClient is nil (optional).
	Timeout time.Duration
}

// HTTPCodec delegates embedding and extraction to the remote steganography
// service.
type HTTPCodec struct {
	baseURL    string
	httpClient *http.Client
}

var _ Codec = (*HTTPCodec)(nil)

func NewHTTPCodec(cfg HTTPConfig) (*HTTPCodec, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("steganography url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &HTTPCodec{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: httpClient,
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Embed posts the credential and image to /steganography/hide.
func (h *HTTPCodec) Embed(ctx context.Context, c credential.Credential,
	img ImageAsset) (EmbeddedImage, error) {

	data, err := img.ReadAll()
	if err != nil {
		return EmbeddedImage{}, fmt.Errorf("read image: %w", err)
	}

	body, contentType, err := buildForm(map[string]string{
		"token": c.String(),
	}, "file", img, data)
	if err != nil {
		return EmbeddedImage{}, err
	}

	resp, respBody, err := h.post(ctx, "hide", "/steganography/hide", body,
		contentType)
	if err != nil {
		return EmbeddedImage{}, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "image/") ||
		mediaType == "application/octet-stream" {

		log.Debugf("Embedded credential %s into %s (%d bytes)",
			c.Short(), img.Name(), len(respBody))

		return EmbeddedImage{
			Data:     respBody,
			MIMEType: mediaType,
			Filename: img.Name(),
		}, nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return EmbeddedImage{}, fmt.Errorf("%w: unexpected %q response",
			ErrRejected, mediaType)
	}
	if !env.Success {
		return EmbeddedImage{}, fmt.Errorf("%w: %s", ErrRejected,
			env.Message)
	}

	out, err := decodeImageData(env.Data)
	if err != nil {
		return EmbeddedImage{}, err
	}
	return EmbeddedImage{
		Data:     out,
		MIMEType: img.ContentType(),
		Filename: img.Name(),
	}, nil
}

// decodeImageData accepts data as a base64 string or an object with a base64
// "image" field.
func decodeImageData(raw json.RawMessage) ([]byte, error) {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		var obj struct {
			Image string `json:"image"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: no image in response", ErrRejected)
		}
		s = obj.Image
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty image in response", ErrRejected)
	}

	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not base64: %v", ErrRejected, err)
	}
	return out, nil
}

// Extract posts the image to /steganography/reveal.
func (h *HTTPCodec) Extract(ctx context.Context,
	img ImageAsset) (credential.Credential, error) {

	data, err := img.ReadAll()
	if err != nil {
		return credential.Credential{}, fmt.Errorf("read image: %w", err)
	}

	body, contentType, err := buildForm(nil, "image", img, data)
	if err != nil {
		return credential.Credential{}, err
	}

	_, respBody, err := h.post(ctx, "reveal", "/steganography/reveal", body,
		contentType)
	if err != nil {
		return credential.Credential{}, err
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return credential.Credential{}, fmt.Errorf("%w: malformed "+
			"reveal response", ErrNoCredential)
	}
	if !env.Success {
		return credential.Credential{}, fmt.Errorf("%w: %s",
			ErrNoCredential, env.Message)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil ||
		payload.Token == "" {

		return credential.Credential{}, ErrNoCredential
	}

	c, err := credential.Parse(payload.Token)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("%w: %v",
			ErrNoCredential, err)
	}

	log.Debugf("Extracted %s %s from %s", c.Kind(), c.Short(), img.Name())
	return c, nil
}

func (h *HTTPCodec) post(ctx context.Context, op, path string, body []byte,
	contentType string) (*http.Response, []byte, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, nil, &remote.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &remote.TransportError{
			Op:  op,
			Err: fmt.Errorf("read response body: %w", err),
		}
	}

	if err := remote.CheckStatus(op, resp.StatusCode, respBody); err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func buildForm(fields map[string]string, fileField string, img ImageAsset,
	data []byte) ([]byte, string, error) {

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(
		`form-data; name=%q; filename=%q`, fileField, img.Name()))
	hdr.Set("Content-Type", img.ContentType())

	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}
