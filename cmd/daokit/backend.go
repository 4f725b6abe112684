// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/daokit/daokit/internal/config"
	"github.com/daokit/daokit/internal/storage"
	"github.com/daokit/daokit/internal/storage/filetree"
	"github.com/daokit/daokit/internal/storage/tabledb"
)

// openBackend selects and constructs the storage.Backend named by
// cfg.StorageBackend (DAOKIT_STORAGE_BACKEND / storage_backend in
// settings.yaml). Every ledger-backed command resolves its backend through
// this one switch instead of hardcoding filetree.New.
func openBackend(cfg config.Config, rootPath string) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case config.StorageTableDB:
		return tabledb.New(rootPath)
	case config.StorageFiletree, "":
		return filetree.New(rootPath), nil
	default:
		return nil, fmt.Errorf("config: storage_backend must be %q or %q, got %q", config.StorageFiletree, config.StorageTableDB, cfg.StorageBackend)
	}
}
