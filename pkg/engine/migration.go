package engine

import (
	"bytes"
	"fmt"
)

// MigrateBatchSize is the number of entries written per Apply by Migrate.
const MigrateBatchSize = 1000

// Migrate copies every entry of src into dst and returns how many entries
// were written. This works for:
// - Embedded -> Remote (moving a local store behind shelfd)
// - Remote -> Embedded (taking an offline backup)
// - one embedded backend to another
//
// Existing dst entries with other keys are left alone.
func Migrate(src, dst Engine) (int, error) {
	batch := make([]Op, 0, MigrateBatchSize)
	count := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := dst.Apply(batch); err != nil {
			return fmt.Errorf("failed to write batch at entry %d: %w", count, err)
		}
		count += len(batch)
		batch = batch[:0]
		return nil
	}

	err := src.Scan(nil, func(k, v []byte) error {
		batch = append(batch, SetOp(bytes.Clone(k), bytes.Clone(v)))
		if len(batch) == MigrateBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to copy entries: %w", err)
	}
	if err := flush(); err != nil {
		return count, err
	}
	return count, nil
}
