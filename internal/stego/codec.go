package stego

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"cashucloak/internal/credential"
)

var (
	// ErrNoCredential means the image carries no recoverable credential.
	ErrNoCredential = errors.New("no credential found in image")

	// ErrRejected means the codec refused the image or payload.
	ErrRejected = errors.New("codec rejected image")
)

// Codec embeds credentials into images and recovers them.
type Codec interface {
	Embed(ctx context.Context, c credential.Credential, img ImageAsset) (EmbeddedImage, error)
	Extract(ctx context.Context, img ImageAsset) (credential.Credential, error)
}

// ErrOutsideRoot means an image reference points outside the image root.
var ErrOutsideRoot = errors.New("image path escapes image root")

// ImageAsset references a locally selected image. The codec only reads it.
// An asset bound to an ImageRoot is opened relative to that root and can
// not reach files outside it.
type ImageAsset struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`

	root *os.Root
}

// Validate checks the asset points somewhere.
func (a ImageAsset) Validate() error {
	if strings.TrimSpace(a.URI) == "" {
		return errors.New("image uri is required")
	}
	return nil
}

// Path resolves the URI to a local filesystem path. Plain paths and file://
// URIs are accepted.
func (a ImageAsset) Path() (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	if !strings.Contains(a.URI, "://") {
		return a.URI, nil
	}

	u, err := url.Parse(a.URI)
	if err != nil {
		return "", fmt.Errorf("parse image uri: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported image uri scheme %q", u.Scheme)
	}
	return u.Path, nil
}

// Open opens the referenced image for reading.
func (a ImageAsset) Open() (io.ReadCloser, error) {
	p, err := a.Path()
	if err != nil {
		return nil, err
	}
	if a.root != nil {
		return a.root.Open(p)
	}
	return os.Open(p)
}

// ReadAll loads the whole image.
func (a ImageAsset) ReadAll() ([]byte, error) {
	f, err := a.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ContentType returns the MIME type, defaulting to image/jpeg as the mobile
// picker does.
func (a ImageAsset) ContentType() string {
	if a.MIMEType != "" {
		return a.MIMEType
	}
	return "image/jpeg"
}

// Name returns the file name to upload under.
func (a ImageAsset) Name() string {
	if a.Filename != "" {
		return a.Filename
	}
	if p, err := a.Path(); err == nil {
		if base := filepath.Base(p); base != "." && base != "/" {
			return base
		}
	}
	return "image.jpg"
}

// EmbeddedImage is the codec output: the carrier image with the credential
// hidden in it.
type EmbeddedImage struct {
	Data     []byte
	MIMEType string
	Filename string
}

// ImageRoot confines image access to one directory. Lookups go through
// os.Root, so symlinks and ".." can not leave it either.
type ImageRoot struct {
	dir  string
	root *os.Root
}

// OpenImageRoot opens dir, creating it if needed.
func OpenImageRoot(dir string) (*ImageRoot, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("image directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open image directory: %w", err)
	}
	return &ImageRoot{dir: dir, root: root}, nil
}

// Dir is the directory the root was opened on.
func (r *ImageRoot) Dir() string {
	return r.dir
}

// Bind checks that a names a file inside the root and returns a copy that
// opens through it. Absolute paths and paths climbing out are refused.
func (r *ImageRoot) Bind(a ImageAsset) (ImageAsset, error) {
	p, err := a.Path()
	if err != nil {
		return ImageAsset{}, err
	}
	p = filepath.Clean(filepath.FromSlash(p))
	if !filepath.IsLocal(p) {
		return ImageAsset{}, fmt.Errorf("%w: %q", ErrOutsideRoot, a.URI)
	}

	a.URI = p
	a.root = r.root
	return a, nil
}

func (r *ImageRoot) Close() error {
	return r.root.Close()
}
