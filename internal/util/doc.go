// Package util provides common utility functions used across the ssokit library.
//
// This package contains helper functions for string manipulation and URL
// normalization that don't fit into domain-specific packages. These utilities
// are used internally by multiple packages to avoid code duplication and
// maintain consistent behavior across the codebase.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - NormalizeURL: Normalizes URLs for comparison
package util
