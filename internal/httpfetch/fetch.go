// Package httpfetch provides the default polestar.Fetcher: it retrieves a
// module descriptor over HTTP and decodes it from JSON, the wire format
// RegisterResolvedURL/NeedFetch resolutions expect a module server to speak.
package httpfetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"github.com/cryguy/polestar"
)

// descriptor is the wire shape a module server returns: the same fields as
// polestar.FetchResult, with dependencies left as json.RawMessage since the
// spec's dependency field is either a string array or the literal "umd".
type descriptor struct {
	URL                     string            `json:"url"`
	ID                      string            `json:"id"`
	Code                    string            `json:"code"`
	Dependencies            json.RawMessage   `json:"dependencies"`
	DependencyVersionRanges map[string]string `json:"dependencyVersionRanges"`
	CSS                     string            `json:"css"`
}

// maxResponseBytes bounds how much of a module response body is read.
const maxResponseBytes = 32 * 1024 * 1024

// Fetcher is the default polestar.Fetcher, retrieving module descriptors
// over HTTP(S). It decompresses gzip, deflate, and brotli response bodies,
// and refuses to dial loopback/private/link-local addresses since a
// module server is itself untrusted network input.
type Fetcher struct {
	Client  *http.Client
	Headers map[string]string
}

// New returns a Fetcher whose HTTP client dials through the SSRF-safe
// resolver and enforces a request timeout.
func New() *Fetcher {
	return &Fetcher{
		Client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: safeDialContext,
			},
		},
	}
}

// Fetch implements polestar.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, url string, fctx polestar.FetchContext) (*polestar.FetchResult, error) {
	client := f.Client
	if client == nil {
		client = New().Client
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: building request for %q: %w", url, err)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("X-Polestar-Correlation-Id", fctx.CorrelationID)
	if fctx.RequiredByID != "" {
		req.Header.Set("X-Polestar-Required-By", fctx.RequiredByID)
	}
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: fetching %q: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: reading %q: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("httpfetch: %q returned status %d", url, resp.StatusCode)
	}

	var d descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("httpfetch: decoding descriptor from %q: %w", url, err)
	}

	deps, isUMD, err := parseDependencies(d.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: descriptor from %q: %w", url, err)
	}

	result := &polestar.FetchResult{
		URL:                     d.URL,
		ID:                      d.ID,
		Code:                    d.Code,
		Dependencies:            deps,
		IsUMD:                   isUMD,
		DependencyVersionRanges: d.DependencyVersionRanges,
		CSS:                     d.CSS,
	}
	if result.URL == "" {
		result.URL = url
	}
	if result.ID == "" {
		result.ID = result.URL
	}
	return result, nil
}

// parseDependencies accepts either a JSON array of strings or the literal
// string "umd", per FetchResult's dependencies: string[] | "umd" shape.
func parseDependencies(raw json.RawMessage) ([]string, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString != polestar.UMDDependencies {
			return nil, false, fmt.Errorf("dependencies string must be %q, got %q", polestar.UMDDependencies, asString)
		}
		return nil, true, nil
	}

	var asSlice []string
	if err := json.Unmarshal(raw, &asSlice); err != nil {
		return nil, false, fmt.Errorf("dependencies must be a string array or \"umd\": %w", err)
	}
	return asSlice, false, nil
}

// NewCorrelationID returns a fresh correlation id for a FetchContext.
func NewCorrelationID() string {
	return uuid.NewString()
}

// decodeBody reads and, per Content-Encoding, decompresses a response body,
// capping total output at maxResponseBytes.
func decodeBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		r = flate.NewReader(resp.Body)
	case "br":
		r = brotli.NewReader(resp.Body)
	case "", "identity":
		// no-op
	}

	limited := io.LimitReader(r, maxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseBytes)
	}
	return data, nil
}

// safeDialContext resolves DNS and rejects loopback, private, link-local,
// and other special-use ranges at connect time, closing the DNS-rebinding
// window a hostname-only check would leave open.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}

	for _, ip := range ips {
		if !isPrivateIP(ip.IP) {
			dialer := &net.Dialer{}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
		}
	}
	return nil, fmt.Errorf("fetch to private or reserved address %q is not allowed", host)
}

var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"240.0.0.0/4",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("httpfetch: invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

func isPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
