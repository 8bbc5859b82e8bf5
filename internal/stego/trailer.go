package stego

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"cashucloak/internal/credential"
)

// trailerMagic terminates an image carrying a trailer payload.
var trailerMagic = []byte("CCLK")

// maxTrailerPayload caps the recovered payload. Tokens with many proofs run
// to a few kilobytes.
const maxTrailerPayload = 64 << 10

// TrailerCodec appends the credential after the image data, followed by its
// length and a magic marker. Viewers ignore trailing bytes, so the carrier
// still renders. It offers no concealment against inspection and exists for
// local development and tests where the remote service is unavailable.
type TrailerCodec struct{}

var _ Codec = TrailerCodec{}

func (TrailerCodec) Embed(ctx context.Context, c credential.Credential,
	img ImageAsset) (EmbeddedImage, error) {

	if c.IsZero() {
		return EmbeddedImage{}, fmt.Errorf("%w: empty credential", ErrRejected)
	}
	if len(c.String()) > maxTrailerPayload {
		return EmbeddedImage{}, fmt.Errorf("%w: credential too large",
			ErrRejected)
	}
	if err := ctx.Err(); err != nil {
		return EmbeddedImage{}, err
	}

	data, err := img.ReadAll()
	if err != nil {
		return EmbeddedImage{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return EmbeddedImage{}, fmt.Errorf("%w: empty image", ErrRejected)
	}

	// Re-embedding replaces an existing trailer instead of stacking.
	if _, end, ok := findTrailer(data); ok {
		data = data[:end]
	}

	payload := []byte(c.String())
	out := make([]byte, 0, len(data)+len(payload)+4+len(trailerMagic))
	out = append(out, data...)
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, trailerMagic...)

	return EmbeddedImage{
		Data:     out,
		MIMEType: img.ContentType(),
		Filename: img.Name(),
	}, nil
}

func (TrailerCodec) Extract(ctx context.Context,
	img ImageAsset) (credential.Credential, error) {

	if err := ctx.Err(); err != nil {
		return credential.Credential{}, err
	}

	data, err := img.ReadAll()
	if err != nil {
		return credential.Credential{}, fmt.Errorf("read image: %w", err)
	}

	payload, _, ok := findTrailer(data)
	if !ok {
		return credential.Credential{}, ErrNoCredential
	}

	c, err := credential.Parse(string(payload))
	if err != nil {
		return credential.Credential{}, fmt.Errorf("%w: %v",
			ErrNoCredential, err)
	}
	return c, nil
}

// findTrailer returns the payload and the offset at which the original image
// ends.
func findTrailer(data []byte) ([]byte, int, bool) {
	footer := 4 + len(trailerMagic)
	if len(data) < footer || !bytes.HasSuffix(data, trailerMagic) {
		return nil, 0, false
	}

	n := int(binary.BigEndian.Uint32(data[len(data)-footer:]))
	if n == 0 || n > maxTrailerPayload || n > len(data)-footer {
		return nil, 0, false
	}

	end := len(data) - footer - n
	return data[end : len(data)-footer], end, true
}
