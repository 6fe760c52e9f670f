package pollcat

import "context"

// Catalogue resolves requested files and visits against the metadata catalogue.
type Catalogue interface {
	// LocationOf returns the catalogue-relative location of a datafile.
	// Returns an error wrapping ErrNotFound if the file has no record.
	LocationOf(ctx context.Context, fileID int64) (string, error)

	// UsersOf returns the federation ids of the investigators authorized on a visit.
	// An empty slice is a valid answer.
	UsersOf(ctx context.Context, visit VisitID) ([]string, error)
}

// BatchLocator is optionally implemented by a Catalogue that can resolve many
// locations in one round trip. Ids missing from the returned map have no record.
type BatchLocator interface {
	Locations(ctx context.Context, fileIDs []int64) (map[int64]string, error)
}

// resolveLocations looks up ids chunk by chunk. After the first failed batch
// it resolves the failed chunk and every later one a file at a time, so each
// id is queried once. Ids missing from the result could not be resolved.
func resolveLocations(ctx context.Context, c Catalogue, ids []int64, chunkSize int, logger Logger) map[int64]string {
	if chunkSize <= 0 {
		chunkSize = DefaultLocationChunkSize
	}
	out := make(map[int64]string, len(ids))
	batch, canBatch := c.(BatchLocator)

	for start := 0; start < len(ids); start += chunkSize {
		chunk := ids[start:min(start+chunkSize, len(ids))]
		if canBatch {
			found, err := batch.Locations(ctx, chunk)
			if err == nil {
				for _, id := range chunk {
					if loc, ok := found[id]; ok {
						out[id] = loc
					}
				}
				continue
			}
			logger.Warn("batch location lookup failed, resolving files one by one", "error", err)
			canBatch = false
		}
		for _, id := range chunk {
			loc, err := c.LocationOf(ctx, id)
			if err != nil {
				logger.Warn("location lookup failed", "file", id, "error", err)
				continue
			}
			out[id] = loc
		}
	}
	return out
}
