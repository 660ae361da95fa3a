// Package wire implements the engine's bit-exact, little-endian on-wire
// layouts (spec §3, §6): the request and response slot payloads and the
// cache-access-table snapshot buffer. Like the teacher's internal/uapi
// package, every struct is packed by hand with encoding/binary rather than
// reflection, because these bytes must match a real non-Go peer's memory
// layout exactly.
package wire

// reqHeaderSize is the fixed portion of TransferCacheReq, in bytes:
// is_pull_block(1, padded to 8) + num_tensors(4, padded to 8) + cache_id(8) +
// batch_index(8) + req_id(8) + prefix_id(8) + model_id(8) + block_size(8) +
// pull_size(8) + max_block_index(8) + dst_placement(1, padded to 8) +
// timeout_in_ms(8) + dst_addr_count(8) + dst_buffer_size(8) +
// buffer_info_count(8) + src_tensor_indices_size(8) + src_tensor_start_index(8).
const reqHeaderSize = 17 * 8

// dstAddrEntrySize is the size of one {dst_addr:u64} tail entry.
const dstAddrEntrySize = 8

// blockInfoEntrySize is the size of one {block_start_index:u64, buffer_len:u64} entry.
const blockInfoEntrySize = 16

// RequestSlotFlagSize is the flag+padding prefix of the request slot
// (flag:u8, _pad:u56 -> 8 bytes total, spec §6).
const RequestSlotFlagSize = 8

// ResponseSlotFlagSize is the flag+padding prefix of the response slot.
const ResponseSlotFlagSize = 8

// respInfoFixedSize is {req_id, model_id, ret_code, transfer_count, block_size}
// before the variable sync_flag_addresses tail: 8+8+4+4+4 = 28, padded to an
// 8-byte boundary so the tail stays aligned.
const respInfoFixedSize = 32

// ResponseInfoFixedSize exports respInfoFixedSize for callers (internal/
// linkmgr) that read a response back off a fixed-capacity slot and must
// slice off exactly the bytes MarshalResponse wrote — this engine's
// CommEntity always emits a zero-length SyncFlagAddresses tail (see
// DESIGN.md's Open Question decision), so a response is always exactly
// this many bytes.
const ResponseInfoFixedSize = respInfoFixedSize

// syncFlagAddrEntrySize is one {u64} entry of ResponseInfo's tail.
const syncFlagAddrEntrySize = 8

// tableHeaderSize is {version:u64, num_entries:u64}.
const tableHeaderSize = 16

// tableEntryFixedSize is {cache_id:i64, num_tensors:u32, layout:u8,
// placement:u8, _pad:u16, stride:u64, tensor_size:u64, num_blocks:u64,
// num_keys:u32, _pad:u32} before the variable addrs[]/keys[] tails.
const tableEntryFixedSize = 8 + 4 + 1 + 1 + 2 + 8 + 8 + 8 + 4 + 4

// tableAddrEntrySize is one {u64} entry of a table entry's addrs[] tail.
const tableAddrEntrySize = 8

// tableKeyEntrySize is one {req_id:u64, model_id:u64, batch_index:u64, size:u64}
// entry of a table entry's keys[] tail.
const tableKeyEntrySize = 32

// MaxTableRegionSize is the fixed device region reserved for the published
// cache-access-table snapshot (spec §3: "Total size ≤ 1 MiB").
const MaxTableRegionSize = 1 << 20

// RequestPayloadSize is the request slot's capacity (112 KiB, spec §6)
// minus the flag prefix.
const RequestPayloadSize = 112*1024 - RequestSlotFlagSize

// ResponsePayloadSize is the response slot's capacity (16 KiB, spec §6)
// minus the flag prefix.
const ResponsePayloadSize = 16*1024 - ResponseSlotFlagSize
