package storage

// InfoConfiguration mirrors GET /info/configuration: the upload limits
// the server enforces. Servers omit fields they do not limit; the
// defaults below are conservative enough for any deployed server.
type InfoConfiguration struct {
	MaxRequestBytes       uint64 `json:"max_request_bytes,omitempty"`
	MaxPostBytes          uint64 `json:"max_post_bytes,omitempty"`
	MaxPostRecords        uint32 `json:"max_post_records,omitempty"`
	MaxTotalBytes         uint64 `json:"max_total_bytes,omitempty"`
	MaxTotalRecords       uint32 `json:"max_total_records,omitempty"`
	MaxRecordPayloadBytes uint64 `json:"max_record_payload_bytes,omitempty"`
}

// DefaultInfoConfiguration is used when the server has no
// /info/configuration route (pre-batch servers).
func DefaultInfoConfiguration() InfoConfiguration {
	return InfoConfiguration{
		MaxRequestBytes:       260 * 1024,
		MaxPostBytes:          260 * 1024,
		MaxPostRecords:        100,
		MaxTotalBytes:         1 << 30,
		MaxTotalRecords:       10_000,
		MaxRecordPayloadBytes: 256 * 1024,
	}
}

// normalized fills unset fields with their defaults so the post queue
// never divides by zero or treats "unlimited" as zero.
func (c InfoConfiguration) normalized() InfoConfiguration {
	def := DefaultInfoConfiguration()
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = def.MaxRequestBytes
	}
	if c.MaxPostBytes == 0 {
		c.MaxPostBytes = c.MaxRequestBytes
	}
	if c.MaxPostRecords == 0 {
		c.MaxPostRecords = def.MaxPostRecords
	}
	if c.MaxTotalBytes == 0 {
		c.MaxTotalBytes = def.MaxTotalBytes
	}
	if c.MaxTotalRecords == 0 {
		c.MaxTotalRecords = def.MaxTotalRecords
	}
	if c.MaxRecordPayloadBytes == 0 {
		c.MaxRecordPayloadBytes = def.MaxRecordPayloadBytes
	}
	return c
}
