// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrRecordNotFound is returned when an asset directory has no record.
var ErrRecordNotFound = errors.New("asset record not found")

// WriteRecord writes the durable record atomically into dir.
//
// Description:
//
//	Marshals to a temporary name in the same directory and renames
//	over the final name, so a reader never observes a torn record.
//	The rename is the caller's commit point when dir is already the
//	final asset directory.
//
// Inputs:
//   - dir: Asset directory. Must exist.
//   - record: Record to persist.
//
// Outputs:
//   - error: Non-nil on marshal or I/O failure; the previous record,
//     if any, is untouched on failure.
func WriteRecord(dir string, record *AssetRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", record.ID, err)
	}

	tmp := filepath.Join(dir, RecordFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	final := filepath.Join(dir, RecordFileName)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing record %s: %w", final, err)
	}
	return nil
}

// ReadRecord loads the durable record from dir, including the
// version-constraint sidecar.
//
// A missing sidecar leaves Constraints nil (unconstrained). A sidecar
// that exists but cannot be parsed sets ConstraintsInvalid so mapping
// can fail closed; it is not an error here because the record itself
// is intact.
func ReadRecord(dir string) (*AssetRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, dir)
		}
		return nil, fmt.Errorf("reading record in %s: %w", dir, err)
	}

	var record AssetRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parsing record in %s: %w", dir, err)
	}

	loadConstraints(dir, &record)
	return &record, nil
}

// loadConstraints reads the optional constraint sidecar into record.
func loadConstraints(dir string, record *AssetRecord) {
	data, err := os.ReadFile(filepath.Join(dir, ConstraintsFileName))
	if err != nil {
		return // absent: unconstrained
	}
	var constraints map[string]string
	if err := json.Unmarshal(data, &constraints); err != nil {
		record.ConstraintsInvalid = true
		return
	}
	record.Constraints = constraints
}

// WriteConstraints writes the constraint sidecar atomically.
func WriteConstraints(dir string, constraints map[string]string) error {
	data, err := json.MarshalIndent(constraints, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling constraints: %w", err)
	}
	tmp := filepath.Join(dir, ConstraintsFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ConstraintsFileName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing constraints in %s: %w", dir, err)
	}
	return nil
}

// VerifyFilesPresent checks that every declared payload file exists
// with its recorded size.
//
// Outputs:
//   - []string: Names of missing or size-mismatched files, nil when
//     the asset is fully present.
func VerifyFilesPresent(dir string, record *AssetRecord) []string {
	var missing []string
	for _, f := range record.Files {
		info, err := os.Stat(filepath.Join(dir, f.Name))
		if err != nil || info.IsDir() || info.Size() != f.SizeBytes {
			missing = append(missing, f.Name)
		}
	}
	return missing
}
