// Package cliconfig resolves a cloudconfig.ResolvedConfig from the
// process environment and CLI flags. This is collaborator territory,
// not core: internal/experiment never reads os.Getenv or flag values
// itself (spec §6.5).
package cliconfig

import (
	"fmt"
	"net/url"
	"os"

	"github.com/cloudexp/cloudexp/internal/cerrors"
	"github.com/cloudexp/cloudexp/internal/cloudconfig"
)

// Flags carries the subset of command-line flags that override
// environment defaults. An empty field means "use the environment".
type Flags struct {
	APIKey        string
	Channel       string
	Region        string
	Gateway       string
	ToolsVersion  string
	ClientVersion string
	Verbose       bool
}

const (
	envAPIKey        = "CLOUDEXP_API_KEY"
	envChannel       = "CLOUDEXP_CHANNEL"
	envRegion        = "CLOUDEXP_REGION"
	envGateway       = "CLOUDEXP_GATEWAY"
	envToolsVersion  = "CLOUDEXP_TOOLS_VERSION"
	envClientVersion = "CLOUDEXP_CLIENT_VERSION"
)

// Load builds a ResolvedConfig from flags, falling back to the
// CLOUDEXP_* environment variables for anything flags leaves blank,
// then validates the result.
//
// Gateway is left nil when neither the flag nor the environment
// variable sets it: cloudconfig.ResolvedConfig.Gateway is optional,
// and internal/experiment falls back to protocol.DiscoverGateway
// when it is nil (spec §3).
func Load(flags Flags, clientVersion string) (*cloudconfig.ResolvedConfig, error) {
	cfg := &cloudconfig.ResolvedConfig{
		APIKey:        firstNonEmpty(flags.APIKey, os.Getenv(envAPIKey)),
		Channel:       firstNonEmpty(flags.Channel, os.Getenv(envChannel), "stable"),
		Region:        firstNonEmpty(flags.Region, os.Getenv(envRegion)),
		ToolsVersion:  firstNonEmpty(flags.ToolsVersion, os.Getenv(envToolsVersion)),
		ClientVersion: firstNonEmpty(flags.ClientVersion, os.Getenv(envClientVersion), clientVersion),
		Verbose:       flags.Verbose,
	}

	if gw := firstNonEmpty(flags.Gateway, os.Getenv(envGateway)); gw != "" {
		u, err := url.Parse(gw)
		if err != nil || u.Host == "" {
			return nil, cerrors.NewInvalidInput("configure", fmt.Sprintf("invalid gateway URL %q", gw))
		}
		cfg.Gateway = u
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("resolving configuration: %w", err)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
