package download

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/store"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Downloader fetches URLs into the content addressed store, verifying
// the contents against an expected digest. Successful downloads are
// remembered, so that re-resolving the same URL can skip the network
// while the bytes are still in the store.
type Downloader struct {
	store      *store.Store
	httpClient *http.Client
}

// NewDownloader creates a Downloader writing into the given store. A
// nil httpClient falls back to http.DefaultClient.
func NewDownloader(store *store.Store, httpClient *http.Client) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Downloader{
		store:      store,
		httpClient: httpClient,
	}
}

func (d *Downloader) fetch(ctx context.Context, parsed *url.URL, authHeaders map[string]string) (io.ReadCloser, error) {
	switch parsed.Scheme {
	case "file":
		if parsed.Host != "" {
			return nil, status.Errorf(codes.InvalidArgument,
				"The file URL %#v has a host; only the form file:/absolute/path is supported", parsed.String())
		}
		f, err := os.Open(parsed.Path)
		if err != nil {
			return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to open %#v", parsed.Path)
		}
		return f, nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
		if err != nil {
			return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to create request for %#v", parsed.String())
		}
		for name, value := range authHeaders {
			req.Header.Set(name, value)
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to fetch %#v", parsed.String())
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, status.Errorf(codes.Unavailable,
				"Fetching %#v failed: %s", parsed.String(), resp.Status)
		}
		return resp.Body, nil
	default:
		return nil, status.Errorf(codes.InvalidArgument,
			"Unsupported URL scheme %#v in %#v", parsed.Scheme, parsed.String())
	}
}

// Download fetches rawURL, verifies its contents against expected, and
// stores them as a file blob. The store's observed URL cache is
// consulted first and updated on success.
func (d *Downloader) Download(ctx context.Context, rawURL string, authHeaders map[string]string, expected digest.Digest) error {
	observed, found, err := d.store.LookupObservedURL(ctx, rawURL)
	if err != nil {
		return err
	}
	if found && observed == expected {
		err := d.store.EnsureLocalHasFile(ctx, expected)
		if err == nil {
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return err
		}
		// The blob was garbage collected; fetch it again.
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to parse URL %#v", rawURL)
	}
	body, err := d.fetch(ctx, parsed, authHeaders)
	if err != nil {
		return err
	}
	defer body.Close()

	var buf bytes.Buffer
	hw := digest.NewHashingWriter(&buf)
	if _, err := io.Copy(hw, io.LimitReader(body, expected.SizeBytes()+1)); err != nil {
		return util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to read %#v", rawURL)
	}
	if hw.SizeBytes() > expected.SizeBytes() {
		return status.Errorf(codes.InvalidArgument,
			"The contents of %#v exceeded the expected size of %d bytes", rawURL, expected.SizeBytes())
	}
	if actual := hw.Sum(); actual != expected {
		return status.Errorf(codes.InvalidArgument,
			"The contents of %#v had digest %s, while %s was expected", rawURL, actual, expected)
	}

	if _, err := d.store.StoreFileBytes(ctx, buf.Bytes()); err != nil {
		return err
	}
	return d.store.RecordObservedURL(ctx, rawURL, expected)
}
