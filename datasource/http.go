//go:build httpsource

package datasource

import (
	"fmt"
	"io"
	"net/http"

	"golang.org/x/net/http2"
)

// FromHTTP fetches url's body in full and wraps it as a DataSource. This is
// an enrichment beyond the loader's spec-mandated file-only import
// resolution (§4.3): it exists so a module can be staged from a remote
// build artifact store before being handed to the PE parser, but nothing in
// the parser or loader core depends on it — loadImport's on-disk precedence
// is unaffected whether or not this file is compiled in.
func FromHTTP(url string) (*DataSource, error) {
	transport := &http.Transport{}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("datasource: configure http2 transport: %w", err)
	}
	client := &http.Client{Transport: transport}

	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("datasource: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("datasource: fetch %s: status %s", url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("datasource: read %s: %w", url, err)
	}
	return FromBytes(body), nil
}
