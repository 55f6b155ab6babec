// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hashing computes the dual content hash used for asset identity.
//
// Every asset carries two digests:
//
//   - Fast hash: BLAKE3 over the leading window of the file (cheap
//     fingerprint for candidate filtering and external lookups).
//   - Cryptographic hash: SHA-256 over the full content (authoritative
//     integrity verification and deduplication).
//
// Both digests are computed in a single pass while bytes are written,
// so no file is ever read twice. Model files commonly run 1-50GB; a
// second read pass would double import time on rotational media.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// FastWindowSize is how many leading bytes feed the fast hash.
//
// 8 MiB is large enough to distinguish model variants that share a
// header layout while staying cheap on slow media.
const FastWindowSize = 8 * 1024 * 1024

// ChunkSize is the copy buffer size for streaming operations.
//
// Cancellation is checked between chunks, so this also bounds
// cancellation latency on fast storage.
const ChunkSize = 4 * 1024 * 1024

// Digest is the dual content hash of one byte stream.
type Digest struct {
	// Fast is the hex BLAKE3 digest of the leading FastWindowSize bytes.
	Fast string `json:"fast"`

	// SHA256 is the hex SHA-256 digest of the full content.
	SHA256 string `json:"sha256"`
}

// Writer computes both digests of everything written to it.
//
// Writer implements io.Writer so it can sit behind an io.MultiWriter
// or io.TeeReader during a copy. It is not safe for concurrent use;
// one Writer belongs to exactly one stream.
type Writer struct {
	fast      *blake3.Hasher
	full      hash.Hash
	remaining int64
	written   int64
}

// NewWriter returns a Writer ready to consume one stream.
func NewWriter() *Writer {
	return &Writer{
		fast:      blake3.New(),
		full:      sha256.New(),
		remaining: FastWindowSize,
	}
}

// Write feeds p into both hashes. It never fails.
func (w *Writer) Write(p []byte) (int, error) {
	if w.remaining > 0 {
		n := int64(len(p))
		if n > w.remaining {
			n = w.remaining
		}
		w.fast.Write(p[:n])
		w.remaining -= n
	}
	w.full.Write(p)
	w.written += int64(len(p))
	return len(p), nil
}

// BytesWritten reports the total bytes consumed so far.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

// Sum finalizes both hashes and returns the digest pair.
//
// The Writer must not be written to after Sum.
func (w *Writer) Sum() Digest {
	return Digest{
		Fast:   hex.EncodeToString(w.fast.Sum(nil)),
		SHA256: hex.EncodeToString(w.full.Sum(nil)),
	}
}

// CopyFile streams src into dst while computing the dual hash.
//
// Description:
//
//	Copies in ChunkSize chunks, checking ctx between chunks so a
//	cancelled import aborts promptly. On any error (including
//	cancellation) the partially written dst is the caller's problem;
//	the import pipeline stages into a temporary name precisely so a
//	partial file is never visible.
//
// Inputs:
//   - ctx: Cancellation signal, checked between chunks.
//   - dst: Destination path. Created with 0644, truncated if present.
//   - src: Source path. Must be a regular file.
//
// Outputs:
//   - Digest: Dual hash of the copied content.
//   - int64: Bytes copied.
//   - error: Non-nil on I/O failure or cancellation.
func CopyFile(ctx context.Context, dst, src string) (Digest, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("opening source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("creating destination %s: %w", dst, err)
	}

	hw := NewWriter()
	w := io.MultiWriter(out, hw)
	buf := make([]byte, ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return Digest{}, hw.BytesWritten(), fmt.Errorf("copy cancelled: %w", err)
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				out.Close()
				return Digest{}, hw.BytesWritten(), fmt.Errorf("writing %s: %w", dst, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return Digest{}, hw.BytesWritten(), fmt.Errorf("reading %s: %w", src, rerr)
		}
	}

	// Disk errors are surfaced, never retried: a failing disk must not
	// be hammered with rewrites of multi-gigabyte payloads.
	if err := out.Sync(); err != nil {
		out.Close()
		return Digest{}, hw.BytesWritten(), fmt.Errorf("syncing %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return Digest{}, hw.BytesWritten(), fmt.Errorf("closing %s: %w", dst, err)
	}
	return hw.Sum(), hw.BytesWritten(), nil
}

// HashFile computes the dual hash of a file in place.
//
// Used by the fast-import path, where the payload was renamed onto the
// destination device instead of copied, and by self-healing, which must
// verify candidate sources by content before relinking.
func HashFile(ctx context.Context, path string) (Digest, int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer in.Close()

	hw := NewWriter()
	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return Digest{}, hw.BytesWritten(), fmt.Errorf("hash cancelled: %w", err)
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			hw.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Digest{}, hw.BytesWritten(), fmt.Errorf("reading %s: %w", path, rerr)
		}
	}
	return hw.Sum(), hw.BytesWritten(), nil
}
