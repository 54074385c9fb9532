// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package pdr

import (
	"fmt"
	"io"
)

// Dump writes every record to w as text, one block per record, ordered by
// PDR type. The format is advisory and meant for offline inspection.
func (r *Repo) Dump(w io.Writer) error {
	for pdrType := TypeTerminusLocator; pdrType < TypeOEM; pdrType++ {
		for _, rec := range r.ByType(pdrType) {
			if _, err := fmt.Fprintf(w, "PDR Type: %d\nLength: %d\nData:", pdrType, len(rec)); err != nil {
				return err
			}
			for _, b := range rec {
				if _, err := fmt.Fprintf(w, " 0x%02x", b); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
	}
	return nil
}
