package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Provider names used by the breaker and the event stream.
const (
	ProviderPrimary   = "primary"
	ProviderSecondary = "secondary"
	ProviderEditorial = "editorial"
)

// volumeAPI is the primary metadata source. Payloads are opaque; only the
// aggregator interprets them.
type volumeAPI interface {
	// FetchVolumeByID fetches a single volume. The authenticated variant
	// attaches the configured API key, which unlocks sale/reader fields.
	FetchVolumeByID(ctx context.Context, id string, authenticated bool) ([]byte, error)

	// SearchVolumes runs a paginated query.
	SearchVolumes(ctx context.Context, query string, startIndex int, orderBy, language string, authenticated bool) ([]byte, error)

	// FetchByISBN issues a q=isbn: search.
	FetchByISBN(ctx context.Context, isbn string) ([]byte, error)
}

// bibliographicAPI is the secondary, open source used as a fallback.
type bibliographicAPI interface {
	FetchByISBN(ctx context.Context, isbn string) ([]byte, error)
	SearchTitles(ctx context.Context, title string, limit int) ([]byte, error)
}

// editorialAPI produces curated bestseller lists.
type editorialAPI interface {
	FetchBestsellerOverview(ctx context.Context) ([]byte, error)
}

// NewUpstream builds an http.Client for an upstream host with the standard
// middleware stack: host scoping, throttling and >=400 → statusErr mapping.
func NewUpstream(host string, rps rate.Limit, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: throttledTransport{
			Limiter: rate.NewLimiter(rps, 1),
			RoundTripper: ScopedTransport{
				Host:         host,
				RoundTripper: errorProxyTransport{http.DefaultTransport},
			},
		},
	}
}

// VolumesClient talks to the primary volumes API. It never retries; it
// fails fast and lets the breaker decide what happens next.
type VolumesClient struct {
	upstream *http.Client
	base     string
	apiKey   string
}

var _ volumeAPI = (*VolumesClient)(nil)

// NewVolumesClient creates the primary adapter. base is the full URL prefix
// (e.g. "https://host/books/v1"). The API key may be empty, in which case
// authenticated requests degrade to unauthenticated ones.
func NewVolumesClient(upstream *http.Client, base, apiKey string) *VolumesClient {
	return &VolumesClient{upstream: upstream, base: strings.TrimSuffix(base, "/"), apiKey: apiKey}
}

// FetchVolumeByID fetches /volumes/{id}. A 404 maps to errNotFound.
func (c *VolumesClient) FetchVolumeByID(ctx context.Context, id string, authenticated bool) ([]byte, error) {
	u := "/volumes/" + url.PathEscape(id)
	if authenticated && c.apiKey != "" {
		u += "?key=" + url.QueryEscape(c.apiKey)
	}
	return c.do(ctx, u)
}

// SearchVolumes queries /volumes with pagination and ordering.
func (c *VolumesClient) SearchVolumes(ctx context.Context, query string, startIndex int, orderBy, language string, authenticated bool) ([]byte, error) {
	q := url.Values{}
	q.Set("q", query)
	if startIndex > 0 {
		q.Set("startIndex", strconv.Itoa(startIndex))
	}
	if orderBy != "" {
		q.Set("orderBy", orderBy)
	}
	if language != "" {
		q.Set("langRestrict", language)
	}
	if authenticated && c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	return c.do(ctx, "/volumes?"+q.Encode())
}

// FetchByISBN searches by exact ISBN.
func (c *VolumesClient) FetchByISBN(ctx context.Context, isbn string) ([]byte, error) {
	q := url.Values{}
	q.Set("q", "isbn:"+isbn)
	return c.do(ctx, "/volumes?"+q.Encode())
}

func (c *VolumesClient) do(ctx context.Context, u string) ([]byte, error) {
	return doUpstream(ctx, c.upstream, c.base+u)
}

// OpenBibClient is the secondary bibliographic adapter.
type OpenBibClient struct {
	upstream *http.Client
	base     string
}

var _ bibliographicAPI = (*OpenBibClient)(nil)

// NewOpenBibClient creates the secondary adapter.
func NewOpenBibClient(upstream *http.Client, base string) *OpenBibClient {
	return &OpenBibClient{upstream: upstream, base: strings.TrimSuffix(base, "/")}
}

// FetchByISBN fetches /isbn/{isbn}.json.
func (c *OpenBibClient) FetchByISBN(ctx context.Context, isbn string) ([]byte, error) {
	return doUpstream(ctx, c.upstream, c.base+fmt.Sprintf("/isbn/%s.json", url.PathEscape(isbn)))
}

// SearchTitles queries /search.json by title.
func (c *OpenBibClient) SearchTitles(ctx context.Context, title string, limit int) ([]byte, error) {
	q := url.Values{}
	q.Set("title", title)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return doUpstream(ctx, c.upstream, c.base+"/search.json?"+q.Encode())
}

// BestsellerClient fetches the editorial overview feed. The API key rides on
// a QueryParamTransport so it applies to every request.
type BestsellerClient struct {
	upstream *http.Client
	base     string
}

var _ editorialAPI = (*BestsellerClient)(nil)

// NewBestsellerClient creates the editorial adapter.
func NewBestsellerClient(upstream *http.Client, base, apiKey string) *BestsellerClient {
	if apiKey != "" {
		upstream = &http.Client{
			Timeout: upstream.Timeout,
			Transport: &QueryParamTransport{
				Key:          "api-key",
				Value:        apiKey,
				RoundTripper: upstream.Transport,
			},
		}
	}
	return &BestsellerClient{upstream: upstream, base: strings.TrimSuffix(base, "/")}
}

// FetchBestsellerOverview fetches the current overview of all lists.
func (c *BestsellerClient) FetchBestsellerOverview(ctx context.Context) ([]byte, error) {
	return doUpstream(ctx, c.upstream, c.base+"/lists/overview.json")
}

// doUpstream issues a single GET and returns the body. No retries: the
// breaker and the retry policy live with the callers.
func doUpstream(ctx context.Context, client *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		var status statusErr
		if errors.As(err, &status) && status.Status() == http.StatusNotFound {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("doing upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(out) == 0 {
		return nil, errNotFound
	}
	return out, nil
}
