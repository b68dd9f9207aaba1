package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/xerrors"
)

// HTTP is a Sink backed by a remote object endpoint reachable over plain
// GET/PUT, grounded on the teacher's internal/repo.Reader (same
// tuned *http.Transport, same "non-200 that isn't 404 is an error"
// handling), generalized here to also support writes since a backup
// destination, unlike a package repo mirror, is written to as well as
// read from.
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTP returns an HTTP sink against baseURL (e.g.
// "https://backups.example.com/store").
func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		BaseURL: baseURL,
		Client: &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
			DisableCompression:  true,
		}},
	}
}

func (h *HTTP) manifestURL(backupID string) string {
	return h.BaseURL + "/" + url.PathEscape(backupID) + "/manifest"
}

func (h *HTTP) segmentURL(backupID string, seq int) string {
	return h.BaseURL + "/" + url.PathEscape(backupID) + "/segments/" + strconv.Itoa(seq)
}

func (h *HTTP) put(ctx context.Context, u string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return xerrors.Errorf("%s: HTTP status %s", u, resp.Status)
	}
	return nil
}

func (h *HTTP) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &ErrNotFound{BackupID: u}
	}
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		return nil, xerrors.Errorf("%s: HTTP status %s", u, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (h *HTTP) WriteManifest(ctx context.Context, backupID string, data []byte) error {
	return h.put(ctx, h.manifestURL(backupID), data)
}

func (h *HTTP) ReadManifest(ctx context.Context, backupID string) ([]byte, error) {
	return h.get(ctx, h.manifestURL(backupID))
}

func (h *HTTP) WriteSegment(ctx context.Context, backupID string, seq int, data []byte) error {
	return h.put(ctx, h.segmentURL(backupID, seq), data)
}

// ReadSegments fetches segments sequentially by index starting at 0 until
// a 404 is seen, since an HTTP endpoint has no directory listing to sort.
func (h *HTTP) ReadSegments(ctx context.Context, backupID string) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		for seq := 0; ; seq++ {
			data, err := h.get(ctx, h.segmentURL(backupID, seq))
			if err != nil {
				if _, notFound := err.(*ErrNotFound); notFound {
					return
				}
				errc <- err
				return
			}
			select {
			case out <- data:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}
