// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import "maps"

// Allow returns an allowing result.
func Allow(metadata map[string]any) Result {
	return Result{Allowed: true, Metadata: metadata}
}

// DenyWithReason returns a denial with a plain reason. The metadata is kept
// as given.
func DenyWithReason(reason string, metadata map[string]any) Result {
	return Result{Allowed: false, Reason: reason, Metadata: metadata}
}

// DenyWithCode returns a denial built from a structured error code. The
// message becomes the reason. Metadata is layered caller metadata first,
// then code.Metadata, then the code and remediation fields, so the
// structured fields always win on collision.
func DenyWithCode(code ErrorCode, metadata map[string]any) Result {
	md := make(map[string]any, len(metadata)+len(code.Metadata)+2)
	maps.Copy(md, metadata)
	maps.Copy(md, code.Metadata)
	md[MetadataCode] = code.Code
	if code.Remediation != "" {
		md[MetadataRemediation] = code.Remediation
	}
	return Result{Allowed: false, Reason: code.Message, Metadata: md}
}
