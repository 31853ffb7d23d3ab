package credits

import "context"

// RecordCache holds copies of records. Records are immutable once committed, so a cached copy never
// goes stale; only rows read back from a committed transaction are offered to the cache.
type RecordCache interface {
	Get(ctx context.Context, id RecordID) (Record, bool, error)
	Set(ctx context.Context, record Record) error
}

type noopRecordCache struct{}

func (noopRecordCache) Get(context.Context, RecordID) (Record, bool, error) {
	return Record{}, false, nil
}

func (noopRecordCache) Set(context.Context, Record) error {
	return nil
}
