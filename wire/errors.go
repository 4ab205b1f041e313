/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wire

import "fmt"

// CodecErrorKind classifies a CodecError, §4.1/§7.
type CodecErrorKind uint8

// Codec error kinds.
const (
	CodecTruncated CodecErrorKind = iota
	CodecBadTag
	CodecUnsupportedVersion
)

// String implements fmt.Stringer.
func (k CodecErrorKind) String() string {
	switch k {
	case CodecTruncated:
		return "Truncated"
	case CodecBadTag:
		return "BadTag"
	case CodecUnsupportedVersion:
		return "UnsupportedVersion"
	default:
		return fmt.Sprintf("CodecErrorKind(%d)", uint8(k))
	}
}

// CodecError reports malformed wire data, §7.
type CodecError struct {
	Kind CodecErrorKind
	Err  error
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Kind)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *CodecError) Unwrap() error {
	return e.Err
}

func truncated(err error) *CodecError {
	return &CodecError{Kind: CodecTruncated, Err: err}
}

func badTag(format string, args ...any) *CodecError {
	return &CodecError{Kind: CodecBadTag, Err: fmt.Errorf(format, args...)}
}

func unsupportedVersion(v ProtocolVersion) *CodecError {
	return &CodecError{Kind: CodecUnsupportedVersion, Err: fmt.Errorf("no compatible protocol version, peer requested %s", v)}
}
