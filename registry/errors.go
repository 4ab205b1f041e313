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

// Package registry implements the rendezvous service of §4.3: participants
// announce themselves to a well-known registry process and learn the
// acceptor addresses of every other connected participant.
package registry

import "fmt"

// JoinErrorKind classifies why a participant's join attempt was rejected,
// §7's `JoinError{kind: VersionMismatch | Rejected | Timeout | Transport}`.
type JoinErrorKind uint8

// Join error kinds.
const (
	JoinVersionMismatch JoinErrorKind = iota
	JoinDuplicateName
	JoinTransportFailure
	JoinTimeout
)

// String implements fmt.Stringer.
func (k JoinErrorKind) String() string {
	switch k {
	case JoinVersionMismatch:
		return "VersionMismatch"
	case JoinDuplicateName:
		return "DuplicateName"
	case JoinTransportFailure:
		return "TransportFailure"
	case JoinTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("JoinErrorKind(%d)", uint8(k))
	}
}

// JoinError is returned by Join when the registry refuses or the
// handshake cannot complete, §4.3/§7.
type JoinError struct {
	Kind JoinErrorKind
	Err  error
}

// Error implements the error interface.
func (e *JoinError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry: join failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("registry: join failed (%s)", e.Kind)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *JoinError) Unwrap() error { return e.Err }
