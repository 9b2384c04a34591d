// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// durable-store keys or log lines. Using these validators prevents key
// injection (a producer-chosen id containing a key separator could alias
// another producer's records) and keeps log output clean.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches valid federation identifiers (producer ids,
// subject types, action ids).
// Allows: lowercase letters, digits, then underscores, dots, hyphens, and
// colons for namespaced ids like "minecraft:zombie".
// Max length: 64 characters.
var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_:.\-]{0,63}$`)

// ValidateIdentifier validates a federation identifier to prevent durable-store
// key injection.
//
// Valid identifiers:
//   - 1-64 characters
//   - Lowercase letters a-z and digits 0-9
//   - Underscores (_), dots (.), hyphens (-)
//   - Colons (:) for namespaced ids like "minecraft:zombie"
//   - Must start with a letter or digit
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateIdentifier(subjectType); err != nil {
//	    return nil, fmt.Errorf("invalid subject type: %w", err)
//	}
//	// Safe to use in a durable-store key
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier format: %q (must be 1-64 lowercase alphanumeric chars, underscores, dots, hyphens, or colons)", id)
	}

	return nil
}

// ValidateIdentifiers validates multiple identifiers.
// Returns an error listing all invalid identifiers if any fail validation.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %v", invalid)
	}
	return nil
}

// SanitizeIdentifier normalizes and validates an identifier.
// Returns the lowercase identifier if valid, or an error if invalid.
//
// Use this when you need both validation and normalization:
//
//	subject, err := validation.SanitizeIdentifier(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeIdentifier(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if err := ValidateIdentifier(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
