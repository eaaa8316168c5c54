package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
)

const (
	DefaultGatewayHost = "ipfs.io"
	DefaultScheme      = "ipfs"
)

var ErrNoImage = goerr.New("metadata has no image")

// RewriteURI maps <scheme>://<path> of a content-addressed scheme to
// https://<gatewayHost>/<scheme>/<path>. Other URIs are returned as is.
func RewriteURI(uri, gatewayHost string, schemes ...string) string {
	if len(schemes) == 0 {
		schemes = []string{DefaultScheme}
	}
	for _, scheme := range schemes {
		prefix := scheme + "://"
		if path, ok := strings.CutPrefix(uri, prefix); ok {
			return "https://" + gatewayHost + "/" + scheme + "/" + path
		}
	}
	return uri
}

// Fetcher downloads the content of an http(s) or gs:// URI
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Resolver resolves a metadata URI to the image it references
type Resolver struct {
	fetcher     Fetcher
	embedder    interfaces.Embedder
	gatewayHost string
	schemes     []string
}

type Option func(*Resolver)

func WithGatewayHost(host string) Option {
	return func(x *Resolver) {
		x.gatewayHost = host
	}
}

// WithSchemes sets the content-addressed schemes rewritten to the gateway
func WithSchemes(schemes ...string) Option {
	return func(x *Resolver) {
		x.schemes = schemes
	}
}

func New(fetcher Fetcher, embedder interfaces.Embedder, opts ...Option) *Resolver {
	x := &Resolver{
		fetcher:     fetcher,
		embedder:    embedder,
		gatewayHost: DefaultGatewayHost,
		schemes:     []string{DefaultScheme},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func (x *Resolver) rewrite(uri string) string {
	return RewriteURI(uri, x.gatewayHost, x.schemes...)
}

type metadata struct {
	Image string `json:"image"`
}

// ImageBase64 fetches the metadata document at uri, then the image it points
// to, and returns the image bytes in standard base64.
func (x *Resolver) ImageBase64(ctx context.Context, uri string) (string, error) {
	metaURI := x.rewrite(uri)
	raw, err := x.fetcher.Fetch(ctx, metaURI)
	if err != nil {
		return "", goerr.Wrap(err, "failed to fetch metadata", goerr.V("uri", metaURI))
	}

	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", goerr.Wrap(err, "failed to parse metadata", goerr.V("uri", metaURI))
	}
	if meta.Image == "" {
		return "", goerr.Wrap(ErrNoImage, "image field is empty", goerr.V("uri", metaURI))
	}

	imageURI := x.rewrite(meta.Image)
	img, err := x.fetcher.Fetch(ctx, imageURI)
	if err != nil {
		return "", goerr.Wrap(err, "failed to fetch image", goerr.V("uri", imageURI))
	}

	return base64.StdEncoding.EncodeToString(img), nil
}

var _ interfaces.URIEmbedder = (*Resolver)(nil)

// EmbedURI resolves uri to its image and returns the image embedding
func (x *Resolver) EmbedURI(ctx context.Context, uri string) ([]float32, error) {
	b64, err := x.ImageBase64(ctx, uri)
	if err != nil {
		return nil, err
	}

	vec, err := x.embedder.Embed(ctx, b64)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed image", goerr.V("uri", uri))
	}
	return vec, nil
}
