package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketIssues         = []byte("issues")          // issue tag -> codec-encoded Issue JSON
	bucketIssueDownloads = []byte("issue_downloads") // issue tag -> 8-byte timestamp
	bucketFiles          = []byte("files")           // storage key -> FileEntry JSON
	bucketFileRefs       = []byte("file_refs")       // storage key -> JSON array of owner tags
	bucketWork           = []byte("work")            // work tag -> scheduler payload
)

var allBuckets = [][]byte{
	bucketIssues,
	bucketIssueDownloads,
	bucketFiles,
	bucketFileRefs,
	bucketWork,
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}
