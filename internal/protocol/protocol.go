// Package protocol implements the gateway-discovery and capability
// endpoints of the cloud API: discoverGateway, fetchCapabilities, and
// checkWorkers (spec §4.3.5), plus signed-URL issuance (§4.3.1). It
// sits on top of internal/transport, which owns retries/timeouts, and
// is responsible only for building requests and decoding responses.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cloudexp/cloudexp/internal/cerrors"
	"github.com/cloudexp/cloudexp/internal/cloudconfig"
	"github.com/cloudexp/cloudexp/internal/transport"
)

// DefaultGlobalAPI is the well-known entry point used to resolve a
// region's gateway. Tests override this via Client.GlobalAPI.
const DefaultGlobalAPI = "https://global.cloudexp.example.com"

// Client issues the protocol's HTTP calls over a shared transport.Client.
type Client struct {
	HTTP      *transport.Client
	GlobalAPI string
}

// NewClient builds a protocol Client against the default global API.
func NewClient(http *transport.Client) *Client {
	return &Client{HTTP: http, GlobalAPI: DefaultGlobalAPI}
}

func commonHeaders(cfg *cloudconfig.ResolvedConfig) map[string]string {
	return map[string]string{
		"apikey":     cfg.APIKey,
		"extversion": cfg.ClientVersion,
	}
}

type gatewayResponse struct {
	Gateway string `json:"gateway"`
}

// DiscoverGateway resolves the region-specific endpoint for cfg.
// Callers are expected to cache the result on the ResolvedConfig for
// the lifetime of the process, per spec §4.3.5.
func (c *Client) DiscoverGateway(ctx context.Context, cfg *cloudconfig.ResolvedConfig) (*url.URL, error) {
	const phase = "discovering_gateway"

	endpoint := fmt.Sprintf("%s/gwbychannelregion?channel=%s&region=%s",
		c.GlobalAPI, url.QueryEscape(cfg.Channel), url.QueryEscape(cfg.Region))

	status, body, err := c.HTTP.DoJSON(ctx, phase, http.MethodGet, endpoint, commonHeaders(cfg), nil)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(phase, status); err != nil {
		return nil, err
	}

	var resp gatewayResponse
	if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil || resp.Gateway == "" {
		return nil, cerrors.NewProtocolError(phase, cerrors.SubMalformedResponse, status, "missing gateway field")
	}

	gw, parseErr := url.Parse(resp.Gateway)
	if parseErr != nil {
		return nil, cerrors.NewProtocolError(phase, cerrors.SubMalformedResponse, status, "invalid gateway URL")
	}
	return gw, nil
}

type capabilitiesResponse struct {
	Cores []struct {
		Name       string         `json:"name"`
		NumThreads int            `json:"numThreads"`
		Attributes map[string]any `json:"attributes"`
	} `json:"cores"`
	ToolsVersions []string `json:"toolsVersions"`
}

// FetchCapabilities retrieves the per-version catalog for gateway and
// validates that version is one of the returned toolsVersions.
func (c *Client) FetchCapabilities(ctx context.Context, cfg *cloudconfig.ResolvedConfig, gateway *url.URL, version string) (*cloudconfig.Capabilities, error) {
	const phase = "fetching_capabilities"

	endpoint := fmt.Sprintf("%s/cloudcaps?version=%s", gateway.String(), url.QueryEscape(version))
	status, body, err := c.HTTP.DoJSON(ctx, phase, http.MethodGet, endpoint, commonHeaders(cfg), nil)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(phase, status); err != nil {
		return nil, err
	}

	var resp capabilitiesResponse
	if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
		return nil, cerrors.NewProtocolError(phase, cerrors.SubMalformedResponse, status, jsonErr.Error())
	}

	caps := &cloudconfig.Capabilities{ToolsVersions: resp.ToolsVersions}
	for _, core := range resp.Cores {
		caps.Cores = append(caps.Cores, cloudconfig.Core{
			Name:       core.Name,
			NumThreads: core.NumThreads,
			Attributes: core.Attributes,
		})
	}

	if !caps.HasToolsVersion(version) {
		return nil, cerrors.NewProtocolError(phase, cerrors.SubVersionMismatch, status,
			fmt.Sprintf("toolsVersion %q not offered by gateway", version))
	}
	return caps, nil
}

type workerStatusResponse struct {
	OK bool `json:"ok"`
}

// CheckWorkers calls dataworkerstatus once per run() before packaging;
// a non-ok result is fatal before any data is submitted.
func (c *Client) CheckWorkers(ctx context.Context, cfg *cloudconfig.ResolvedConfig, gateway *url.URL) error {
	const phase = "checking_workers"

	endpoint := gateway.String() + "/dataworkerstatus"
	status, body, err := c.HTTP.DoJSON(ctx, phase, http.MethodGet, endpoint, commonHeaders(cfg), nil)
	if err != nil {
		return err
	}
	if err := classifyStatus(phase, status); err != nil {
		return err
	}

	var resp workerStatusResponse
	if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
		return cerrors.NewProtocolError(phase, cerrors.SubMalformedResponse, status, jsonErr.Error())
	}
	if !resp.OK {
		return cerrors.NewServiceUnavailable(phase, "workers reported not ok")
	}
	return nil
}

// SignedURLs is the response from createsignedurls.
type SignedURLs struct {
	UploadURL    string
	PublicKeyPEM string
	StatusURL    string
}

type signedURLsResponse struct {
	PackageURL string `json:"exppackageurl"`
	PublicKey  string `json:"publicKey"`
	StatusGet  string `json:"statusget"`
}

// GetSignedURLs requests the upload/status endpoints and the RSA
// public key for one experiment submission.
func (c *Client) GetSignedURLs(ctx context.Context, cfg *cloudconfig.ResolvedConfig, gateway *url.URL, uuid, name, core string) (*SignedURLs, error) {
	const phase = "issuing_signed_urls"

	headers := commonHeaders(cfg)
	headers["channel"] = cfg.Channel
	headers["exp-uuid"] = uuid
	headers["workload"] = name
	headers["core"] = core
	headers["action"] = "experiment"

	endpoint := gateway.String() + "/createsignedurls"
	status, body, err := c.HTTP.DoJSON(ctx, phase, http.MethodPost, endpoint, headers, nil)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(phase, status); err != nil {
		return nil, err
	}

	var resp signedURLsResponse
	if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
		return nil, cerrors.NewProtocolError(phase, cerrors.SubMalformedResponse, status, jsonErr.Error())
	}
	if resp.PackageURL == "" || resp.PublicKey == "" || resp.StatusGet == "" {
		return nil, cerrors.NewProtocolError(phase, cerrors.SubMalformedResponse, status, "missing field in createsignedurls response")
	}

	return &SignedURLs{
		UploadURL:    resp.PackageURL,
		PublicKeyPEM: resp.PublicKey,
		StatusURL:    resp.StatusGet,
	}, nil
}

// classifyStatus applies the shared status-code policy from spec
// §4.3.1: 401/403 are auth failures, other 4xx are rejections, 5xx and
// anything outside 2xx/4xx territory is a transport-level failure.
func classifyStatus(phase string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return cerrors.NewAuthError(phase, status)
	case status >= 400 && status < 500:
		return cerrors.NewProtocolError(phase, cerrors.SubRejected, status, "request rejected")
	default:
		return cerrors.NewNetworkError(phase, "", status, fmt.Errorf("unexpected status %d", status))
	}
}
