// Package evm decodes EVM token logs into chain events and tracks the chain
// head over JSON-RPC.
package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/vietddude/reducer/internal/core/domain"
)

// eventTopic computes the Keccak-256 hash of a canonical event signature.
func eventTopic(sig string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(sig))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

var (
	TopicTransfer       = eventTopic("Transfer(address,address,uint256)")
	TopicApproval       = eventTopic("Approval(address,address,uint256)")
	TopicDeposit        = eventTopic("Deposit(address,uint256)")
	TopicWithdrawal     = eventTopic("Withdrawal(address,uint256)")
	TopicTransferSingle = eventTopic("TransferSingle(address,address,address,uint256,uint256)")
	TopicTransferBatch  = eventTopic("TransferBatch(address,address,address,uint256[],uint256[])")
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Decoder turns raw token logs into one chain event per affected entity.
// Logs with unknown topics decode to nothing.
type Decoder struct{}

func NewDecoder() *Decoder { return &Decoder{} }

// Decode decodes one raw log. The events of a log share its coordinates and
// are told apart by MinorLogIndex.
func (d *Decoder) Decode(raw domain.RawLog) ([]domain.ChainEvent, error) {
	if len(raw.Topics) == 0 {
		return nil, nil
	}

	status := raw.EffectiveStatus()
	var block *uint64
	if status.OnChain() {
		if raw.BlockNumber == nil {
			return nil, fmt.Errorf("%w: %s log %s:%d has no block", domain.ErrInvalidEvent, status, raw.TxHash, raw.LogIndex)
		}
		block = domain.Uint64Ptr(*raw.BlockNumber)
	}

	b := &builder{
		base: domain.ChainEvent{
			TxHash:      strings.ToLower(raw.TxHash),
			Address:     strings.ToLower(raw.Address),
			LogIndex:    raw.LogIndex,
			BlockNumber: block,
			Status:      status,
			Timestamp:   raw.Timestamp,
			Token:       strings.ToLower(raw.Address),
		},
	}

	var err error
	switch strings.ToLower(raw.Topics[0]) {
	case TopicTransfer:
		err = d.transfer(b, raw)
	case TopicApproval:
		err = d.approval(b, raw)
	case TopicDeposit:
		err = d.wrap(b, raw, domain.KindDeposit)
	case TopicWithdrawal:
		err = d.wrap(b, raw, domain.KindWithdrawal)
	case TopicTransferSingle:
		err = d.transferSingle(b, raw)
	case TopicTransferBatch:
		err = d.transferBatch(b, raw)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: log %s:%d: %w", domain.ErrInvalidEvent, raw.TxHash, raw.LogIndex, err)
	}
	return b.events, nil
}

// transfer handles ERC-20 (value in data) and ERC-721 (token id in the
// fourth topic) transfers.
func (d *Decoder) transfer(b *builder, raw domain.RawLog) error {
	switch len(raw.Topics) {
	case 3:
		from, to := topicAddress(raw.Topics[1]), topicAddress(raw.Topics[2])
		words, err := dataWords(raw.Data, 1)
		if err != nil {
			return err
		}
		value := wordDecimal(words[0])
		if from != zeroAddress {
			b.add(domain.KindOutcomeTransfer, "", from, value)
		}
		if to != zeroAddress {
			b.add(domain.KindIncomeTransfer, "", to, value)
		}
		return nil
	case 4:
		from, to := topicAddress(raw.Topics[1]), topicAddress(raw.Topics[2])
		tokenID, err := topicUint(raw.Topics[3])
		if err != nil {
			return err
		}
		b.nft(tokenID, from, to, decimal.NewFromInt(1))
		return nil
	}
	return fmt.Errorf("unexpected %d topics for Transfer", len(raw.Topics))
}

// approval records ERC-20 allowances. ERC-721 approvals carry no amount.
func (d *Decoder) approval(b *builder, raw domain.RawLog) error {
	if len(raw.Topics) != 3 {
		return nil
	}
	words, err := dataWords(raw.Data, 1)
	if err != nil {
		return err
	}
	b.add(domain.KindApproval, "", topicAddress(raw.Topics[1]), wordDecimal(words[0]))
	return nil
}

func (d *Decoder) wrap(b *builder, raw domain.RawLog, kind domain.EventKind) error {
	if len(raw.Topics) != 2 {
		return fmt.Errorf("unexpected %d topics for %s", len(raw.Topics), kind)
	}
	words, err := dataWords(raw.Data, 1)
	if err != nil {
		return err
	}
	b.add(kind, "", topicAddress(raw.Topics[1]), wordDecimal(words[0]))
	return nil
}

func (d *Decoder) transferSingle(b *builder, raw domain.RawLog) error {
	if len(raw.Topics) != 4 {
		return fmt.Errorf("unexpected %d topics for TransferSingle", len(raw.Topics))
	}
	words, err := dataWords(raw.Data, 2)
	if err != nil {
		return err
	}
	from, to := topicAddress(raw.Topics[2]), topicAddress(raw.Topics[3])
	b.nft(wordBig(words[0]).String(), from, to, wordDecimal(words[1]))
	return nil
}

func (d *Decoder) transferBatch(b *builder, raw domain.RawLog) error {
	if len(raw.Topics) != 4 {
		return fmt.Errorf("unexpected %d topics for TransferBatch", len(raw.Topics))
	}
	data, err := decodeHex(raw.Data)
	if err != nil {
		return err
	}
	ids, err := uintArray(data, 0)
	if err != nil {
		return fmt.Errorf("ids: %w", err)
	}
	values, err := uintArray(data, 1)
	if err != nil {
		return fmt.Errorf("values: %w", err)
	}
	if len(ids) != len(values) {
		return fmt.Errorf("%d ids but %d values", len(ids), len(values))
	}
	from, to := topicAddress(raw.Topics[2]), topicAddress(raw.Topics[3])
	for i := range ids {
		b.nft(ids[i].String(), from, to, decimal.NewFromBigInt(values[i], 0))
	}
	return nil
}

type builder struct {
	base   domain.ChainEvent
	events []domain.ChainEvent
}

func (b *builder) add(kind domain.EventKind, tokenID, owner string, value decimal.Decimal) {
	ev := b.base
	ev.Kind = kind
	ev.Family = kind.Family()
	ev.TokenID = tokenID
	ev.Owner = owner
	ev.Value = value
	ev.MinorLogIndex = len(b.events)
	ev.EntityID, _ = domain.EntityIDOf(ev)
	b.events = append(b.events, ev)
}

// nft emits the supply change for mints and burns and the ownership change
// for every non-zero side of the transfer.
func (b *builder) nft(tokenID, from, to string, value decimal.Decimal) {
	switch {
	case from == zeroAddress && to != zeroAddress:
		b.add(domain.KindItemMint, tokenID, to, value)
	case to == zeroAddress && from != zeroAddress:
		b.add(domain.KindItemBurn, tokenID, from, value)
	}
	if from != zeroAddress {
		b.add(domain.KindOwnershipTransferFrom, tokenID, from, value)
	}
	if to != zeroAddress {
		b.add(domain.KindOwnershipTransferTo, tokenID, to, value)
	}
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// topicAddress takes the low 20 bytes of an indexed address topic.
func topicAddress(topic string) string {
	s := strings.ToLower(strings.TrimPrefix(topic, "0x"))
	if len(s) > 40 {
		s = s[len(s)-40:]
	}
	return "0x" + strings.Repeat("0", 40-len(s)) + s
}

func topicUint(topic string) (string, error) {
	data, err := decodeHex(topic)
	if err != nil {
		return "", err
	}
	return new(big.Int).SetBytes(data).String(), nil
}

func dataWords(data string, n int) ([][]byte, error) {
	raw, err := decodeHex(data)
	if err != nil {
		return nil, err
	}
	if len(raw) < n*32 {
		return nil, fmt.Errorf("data has %d bytes, need %d", len(raw), n*32)
	}
	words := make([][]byte, n)
	for i := range words {
		words[i] = raw[i*32 : (i+1)*32]
	}
	return words, nil
}

func wordBig(w []byte) *big.Int {
	return new(big.Int).SetBytes(w)
}

func wordDecimal(w []byte) decimal.Decimal {
	return decimal.NewFromBigInt(wordBig(w), 0)
}

// uintArray reads the dynamic uint256[] whose offset is the slot-th head word.
func uintArray(data []byte, slot int) ([]*big.Int, error) {
	if len(data) < (slot+1)*32 {
		return nil, fmt.Errorf("missing head word %d", slot)
	}
	offset := wordBig(data[slot*32 : (slot+1)*32])
	if !offset.IsInt64() || offset.Int64()+32 > int64(len(data)) {
		return nil, fmt.Errorf("offset %s out of range", offset)
	}
	start := int(offset.Int64())
	length := wordBig(data[start : start+32])
	if !length.IsInt64() || length.Int64() > int64(len(data)) || int64(start+32)+length.Int64()*32 > int64(len(data)) {
		return nil, fmt.Errorf("length %s out of range", length)
	}
	out := make([]*big.Int, length.Int64())
	for i := range out {
		pos := start + 32 + i*32
		out[i] = wordBig(data[pos : pos+32])
	}
	return out, nil
}
