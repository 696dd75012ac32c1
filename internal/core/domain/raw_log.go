package domain

import "time"

// RawLog is an undecoded log as delivered by the upstream log source.
type RawLog struct {
	Address     string      `json:"address"`
	Topics      []string    `json:"topics"`
	Data        string      `json:"data"`
	BlockNumber *uint64     `json:"blockNumber,omitempty"`
	TxHash      string      `json:"transactionHash"`
	LogIndex    int         `json:"logIndex"`
	Status      EventStatus `json:"status,omitempty"`
	Removed     bool        `json:"removed"`
	Timestamp   time.Time   `json:"timestamp"`
}

// EffectiveStatus resolves the status of a raw log. Sources that only flag
// removed logs yield REVERTED for them, CONFIRMED for logs with a block and
// PENDING otherwise.
func (l RawLog) EffectiveStatus() EventStatus {
	if l.Status != "" {
		return l.Status
	}
	switch {
	case l.Removed && l.BlockNumber != nil:
		return StatusReverted
	case l.Removed:
		return StatusDropped
	case l.BlockNumber != nil:
		return StatusConfirmed
	}
	return StatusPending
}
