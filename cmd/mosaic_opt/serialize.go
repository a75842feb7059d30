// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"encoding/gob"
	"os"

	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/pkg/errors"
)

// saveModule writes m to filePath, in the versioned binary format of ir.Module.GobSerialize.
func saveModule(filePath string, m *ir.Module) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close %q", filePath)
		}
	}()
	w := bufio.NewWriter(f)
	if err = m.GobSerialize(gob.NewEncoder(w)); err != nil {
		return err
	}
	return errors.Wrapf(w.Flush(), "failed to write %q", filePath)
}

// loadModule reads a module saved with saveModule.
func loadModule(filePath string) (*ir.Module, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	m, err := ir.GobDeserializeModule(gob.NewDecoder(bufio.NewReader(f)))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", filePath)
	}
	return m, nil
}
