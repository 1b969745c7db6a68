// Package cloudconfig defines the configuration and capability DTOs
// the core consumes. It never reads environment variables, flags, or
// files itself: resolving a ResolvedConfig from the outside world is a
// collaborator's job (see internal/cliconfig), not the core's.
package cloudconfig

import (
	"net/url"

	"github.com/cloudexp/cloudexp/internal/cerrors"
)

// DefaultToolsVersion is used when the caller leaves ToolsVersion empty.
const DefaultToolsVersion = "latest"

// ResolvedConfig is the immutable, caller-constructed configuration
// shared (read-only) by every Experiment built against it.
type ResolvedConfig struct {
	APIKey        string
	Channel       string
	Region        string
	Gateway       *url.URL
	ToolsVersion  string
	ClientVersion string
	Verbose       bool
}

// Validate checks field presence. It does not dial the network; use
// protocol.DiscoverGateway to populate Gateway if it's nil.
func (c *ResolvedConfig) Validate() error {
	const phase = "configure"
	if c == nil {
		return cerrors.NewInvalidInput(phase, "config is nil")
	}
	if c.APIKey == "" {
		return cerrors.NewInvalidInput(phase, "apiKey is required")
	}
	if c.Channel == "" {
		return cerrors.NewInvalidInput(phase, "channel is required")
	}
	if c.Region == "" {
		return cerrors.NewInvalidInput(phase, "region is required")
	}
	if c.ClientVersion == "" {
		return cerrors.NewInvalidInput(phase, "clientVersion is required")
	}
	return nil
}

// EffectiveToolsVersion returns ToolsVersion or DefaultToolsVersion if unset.
func (c *ResolvedConfig) EffectiveToolsVersion() string {
	if c.ToolsVersion == "" {
		return DefaultToolsVersion
	}
	return c.ToolsVersion
}

// Core describes one simulated CPU core offered by the service.
type Core struct {
	Name       string
	NumThreads int
	Attributes map[string]any
}

// Capabilities is the per-toolsVersion catalog fetched once per
// experiment run and held read-only by the Experiment that fetched it.
// It is not cached on the ResolvedConfig: every run fetches it again.
type Capabilities struct {
	Cores         []Core
	ToolsVersions []string
}

// HasCore reports whether name is one of the cores advertised here.
func (c *Capabilities) HasCore(name string) bool {
	for _, core := range c.Cores {
		if core.Name == name {
			return true
		}
	}
	return false
}

// Core looks up a core descriptor by name.
func (c *Capabilities) Core(name string) (Core, bool) {
	for _, core := range c.Cores {
		if core.Name == name {
			return core, true
		}
	}
	return Core{}, false
}

// HasToolsVersion reports whether version is in the advertised list.
func (c *Capabilities) HasToolsVersion(version string) bool {
	for _, v := range c.ToolsVersions {
		if v == version {
			return true
		}
	}
	return false
}
