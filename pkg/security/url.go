// Package security validates URLs that are handed to the model API.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnsafeURL = errors.New("unsafe URL")

// URLOptions configures URL validation.
type URLOptions struct {
	// AllowHTTP permits plain HTTP URLs. HTTPS is always allowed.
	AllowHTTP bool
	// AllowLocalNetworks permits loopback, private and link-local targets and localhost hostnames.
	AllowLocalNetworks bool
	// AllowDataURLs permits inline data: URLs, for attachments sent by value.
	AllowDataURLs bool
}

// AttachmentOptions are used for image, audio and file URLs of user messages. The provider fetches
// these itself, so local targets are never reachable.
var AttachmentOptions = URLOptions{AllowHTTP: true, AllowDataURLs: true}

// EndpointOptions are used for the API base URL, which may point at a local proxy.
var EndpointOptions = URLOptions{AllowHTTP: true, AllowLocalNetworks: true}

// ValidateURL returns an error wrapping ErrUnsafeURL when rawURL is not allowed by opts. IP
// literals are checked without DNS lookups.
func ValidateURL(rawURL string, opts URLOptions) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(ErrUnsafeURL, "invalid URL: %v", err)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !opts.AllowHTTP {
			return errors.Wrap(ErrUnsafeURL, "http scheme is not allowed")
		}
	case "data":
		if !opts.AllowDataURLs {
			return errors.Wrap(ErrUnsafeURL, "data URLs are not allowed")
		}
		if !strings.Contains(parsed.Opaque, ",") {
			return errors.Wrap(ErrUnsafeURL, "malformed data URL")
		}
		return nil
	default:
		return errors.Wrapf(ErrUnsafeURL, "unsupported URL scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.Wrap(ErrUnsafeURL, "URL host is required")
	}
	if !opts.AllowLocalNetworks &&
		(host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")) {
		return errors.Wrapf(ErrUnsafeURL, "local hostname %q is not allowed", host)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" && !opts.AllowLocalNetworks {
		return errors.Wrapf(ErrUnsafeURL, "zoned IP address %q is not allowed", host)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return errors.Wrapf(ErrUnsafeURL, "disallowed IP address %q", host)
	}
	if !opts.AllowLocalNetworks &&
		(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()) {
		return errors.Wrapf(ErrUnsafeURL, "local network IP %q is not allowed", host)
	}
	return nil
}
