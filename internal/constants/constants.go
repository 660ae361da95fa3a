// Package constants holds the fixed numeric limits called out by the
// transfer-engine spec: batch caps, slot sizes, buffer counts. Keeping them
// in one leaf package (rather than scattered literals) matches the
// teacher's own internal/constants package.
package constants

import "time"

// Batching limits (spec §2/§4.4/§4.9).
const (
	// MaxTaskNum is the hard per-batch cap on one-sided descriptors drained
	// by a transfer job in a single tick.
	MaxTaskNum = 1024

	// MaxBatchPutNum is the sub-batch size passed to a single BatchPut/BatchGet
	// fabric call.
	MaxBatchPutNum = 64

	// MaxTaskNumInBatch caps the number of BufferSlice entries TaskBatcher
	// emits per NextBatch call, absent an explicit max_transfer_info_num.
	MaxTaskNumInBatch = 64

	// MaxBlockSize is the largest single coalesced slice TaskBatcher will
	// emit before splitting (4 MiB).
	MaxBlockSize = 4 * 1024 * 1024
)

// Wire region sizes (spec §4.1/§6).
const (
	// MessageBufferSize is the combined host-mapped request+response region.
	MessageBufferSize = 128 * 1024

	// RequestSlotSize is the request half of the message buffer.
	RequestSlotSize = 112 * 1024

	// ResponseSlotSize is the response half of the message buffer.
	ResponseSlotSize = 16 * 1024

	// CacheAccessTableRegionSize is the fixed device region reserved for the
	// published cache-access-table snapshot.
	CacheAccessTableRegionSize = 1 << 20

	// SlotFlagSize is the size in bytes of the sync flag that precedes each
	// slot's payload (the flag byte plus reserved padding).
	SlotFlagSize = 8
)

// H2D staging pipeline (spec §4.6).
const (
	// DefaultBufferNum is the number of rotating device staging buffers the
	// H2D job pipelines copy against transfer.
	DefaultBufferNum = 2

	// DefaultBufferSize is the size of each H2D staging buffer (32 MiB).
	DefaultBufferSize = 32 * 1024 * 1024

	// DefaultCopyWorkers is the size of the H2D job's host-memcpy worker pool.
	DefaultCopyWorkers = 8
)

// Link manager defaults (spec §4.1/§6).
const (
	// DefaultLinkRetryCount is used when link_retry_count is unset.
	DefaultLinkRetryCount = 1

	// MinLinkRetryCount / MaxLinkRetryCount bound the configurable option.
	MinLinkRetryCount = 1
	MaxLinkRetryCount = 10

	// DefaultRequestTimeout backs sync_kv_cache_wait_time_ms when unset.
	DefaultRequestTimeout = 30 * time.Second
)

// AutoAssignCacheID indicates a cache ID should be assigned by the manager
// rather than requested explicitly by the caller.
const AutoAssignCacheID = -1

// MaxPrefixID is the sentinel value for "not a prefix key" (spec §3's
// prefix_id == MAX). Retained only at the wire boundary; internally this
// collapses into the ByKey/ByPrefix Addressing variants (spec §9).
const MaxPrefixID = ^uint64(0)
