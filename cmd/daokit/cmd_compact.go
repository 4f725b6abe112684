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
	"os"

	"github.com/daokit/daokit/internal/storage/tabledb"
)

// compactDiscardRatio is the badger value-log GC threshold: a file is
// rewritten only when this fraction of its bytes are discardable.
const compactDiscardRatio = 0.5

// runCompactionMaintenance opens the tabledb backend under root and runs one
// round of badger value-log GC. It is a no-op when root has never held a
// tabledb (the open call creates an empty one, which GCs trivially), and it
// only ever runs when the operator passes --compact explicitly.
func runCompactionMaintenance(root string) {
	backend, err := tabledb.New(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compact: open tabledb: %v\n", err)
		return
	}
	defer backend.Close()

	if err := backend.RunGC(compactDiscardRatio); err != nil {
		fmt.Fprintf(os.Stderr, "compact: %v\n", err)
		return
	}
	fmt.Println("compact: ok")
}
