// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package config

import (
	"fmt"
	"net/url"
)

// validateHTTPURL checks the backend base URL: http or https scheme, a host,
// and no query or fragment. A path prefix such as /api/ is allowed since
// endpoints are resolved relative to it.
func validateHTTPURL(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got: %s", parsedURL.Scheme)
	}

	if parsedURL.Host == "" {
		return fmt.Errorf("host is required")
	}

	if parsedURL.RawQuery != "" {
		return fmt.Errorf("should not contain query parameters, remove: ?%s", parsedURL.RawQuery)
	}

	if parsedURL.Fragment != "" {
		return fmt.Errorf("should not contain a fragment")
	}

	return nil
}
