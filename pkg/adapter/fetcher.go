package adapter

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// DefaultMaxFetchSize bounds a single metadata or image download
const DefaultMaxFetchSize = 32 << 20

var ErrFetchTooLarge = goerr.New("fetched content exceeds size limit")

// Fetcher downloads metadata documents and images. http(s) URIs go over
// HTTP; gs:// URIs are read from Cloud Storage when a Storage is configured.
type Fetcher struct {
	httpClient *http.Client
	storage    Storage
	maxSize    int64
}

type FetcherOption func(*Fetcher)

func WithFetcherHTTPClient(client *http.Client) FetcherOption {
	return func(x *Fetcher) {
		x.httpClient = client
	}
}

func WithFetcherStorage(storage Storage) FetcherOption {
	return func(x *Fetcher) {
		x.storage = storage
	}
}

func WithFetcherMaxSize(n int64) FetcherOption {
	return func(x *Fetcher) {
		x.maxSize = n
	}
}

func NewFetcher(opts ...FetcherOption) *Fetcher {
	x := &Fetcher{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxSize: DefaultMaxFetchSize,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func (x *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid uri", goerr.V("uri", uri))
	}

	switch u.Scheme {
	case "http", "https":
		return x.fetchHTTP(ctx, uri)
	case "gs":
		if x.storage == nil {
			return nil, goerr.New("cloud storage is not configured", goerr.V("uri", uri))
		}
		return x.fetchStorage(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, goerr.New("unsupported uri scheme", goerr.V("uri", uri), goerr.V("scheme", u.Scheme))
	}
}

func (x *Fetcher) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request", goerr.V("uri", uri))
	}

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to send request", goerr.V("uri", uri))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, goerr.New("fetch returned error", goerr.V("uri", uri), goerr.V("status", resp.StatusCode))
	}

	return x.readLimited(resp.Body, uri)
}

func (x *Fetcher) fetchStorage(ctx context.Context, bucket, object string) ([]byte, error) {
	r, err := x.storage.Get(ctx, bucket, object)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return x.readLimited(r, "gs://"+bucket+"/"+object)
}

func (x *Fetcher) readLimited(r io.Reader, uri string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, x.maxSize+1))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read body", goerr.V("uri", uri))
	}
	if int64(len(data)) > x.maxSize {
		return nil, goerr.Wrap(ErrFetchTooLarge, "content too large", goerr.V("uri", uri), goerr.V("limit", x.maxSize))
	}
	return data, nil
}
