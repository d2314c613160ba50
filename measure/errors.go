// Copyright (c) 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package measure

import "fmt"

// InvalidMetadataError signals that the boot configuration JSON failed
// validation before any parser ran.
type InvalidMetadataError struct {
	Reason string
}

func (e *InvalidMetadataError) Error() string {
	return fmt.Sprintf("invalid metadata: %s", e.Reason)
}

// MissingInputError signals that a required file or field was absent.
type MissingInputError struct {
	Field string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing input: %s", e.Field)
}

// ParseError signals a structural failure while parsing a binary format.
type ParseError struct {
	Format string
	Offset int64
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s at offset 0x%x: %s", e.Format, e.Offset, e.Reason)
}

// UnsupportedFeatureError signals a recognized but unimplemented variant
// of an otherwise-valid input (e.g. an unknown QEMU fold ordering).
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("unsupported feature: %s", e.Feature)
}

// InternalInvariantError signals a violation of an invariant the engine
// itself is responsible for upholding (not attributable to caller input).
type InternalInvariantError struct {
	Reason string
}

func (e *InternalInvariantError) Error() string {
	return fmt.Sprintf("internal invariant violated: %s", e.Reason)
}
