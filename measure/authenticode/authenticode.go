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

// Package authenticode computes the Authenticode digest of PE/COFF images
// (the bootloader, shim and kernel measured directly into RTMR[1]),
// transparently unwrapping a gzip-compressed kernel image first.
package authenticode

import (
	"bytes"
	"compress/gzip"
	"crypto"
	"fmt"
	"io"

	"github.com/foxboron/go-uefi/authenticode"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Digest computes the SHA-384 Authenticode digest of a PE/COFF image. If
// image begins with the gzip magic, it is decompressed first: bzImage
// kernels are typically shipped gzip-compressed ahead of the embedded
// PE header.
func Digest(image []byte) ([]byte, error) {
	raw, err := unwrapGzip(image)
	if err != nil {
		return nil, fmt.Errorf("authenticode: failed to unwrap image: %w", err)
	}

	parsed, err := authenticode.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("authenticode: failed to parse PE image: %w", err)
	}
	return parsed.Hash(crypto.SHA384), nil
}

func unwrapGzip(image []byte) ([]byte, error) {
	if len(image) < 2 || !bytes.Equal(image[:2], gzipMagic) {
		return image, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip stream: %w", err)
	}
	return out, nil
}
