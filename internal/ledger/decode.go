package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/dealbridge/backend/internal/models"
	"github.com/xssnick/tonutils-go/tlb"
	"go.uber.org/zap"
)

// DecodeTransaction extracts the escrow log entries carried by the external
// out messages of tx. The log index is the position of the message in the
// transaction's out list, which together with the tx hash identifies the
// entry across redeliveries. Messages that are not escrow logs are skipped.
func DecodeTransaction(tx *tlb.Transaction, log *zap.Logger) ([]models.LedgerEvent, error) {
	if tx == nil || tx.IO.Out == nil {
		return nil, nil
	}

	msgs, err := tx.IO.Out.ToSlice()
	if err != nil {
		return nil, fmt.Errorf("read out messages of tx %d: %w", tx.LT, err)
	}

	txRef := hex.EncodeToString(tx.Hash)
	var out []models.LedgerEvent
	for i, m := range msgs {
		ext, ok := m.Msg.(*tlb.ExternalMessageOut)
		if !ok || ext == nil {
			continue
		}

		entry, err := decodeLogBody(ext.Body)
		if err != nil {
			log.Debug("skipping non-escrow out message",
				zap.String("tx", txRef),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}

		out = append(out, models.LedgerEvent{
			Type:        entry.Type,
			DealID:      entry.DealID,
			SourceTxRef: txRef,
			LogIndex:    uint32(i),
			Amount:      FromNano(entry.Nano),
			Payload:     map[string]any{"lt": tx.LT},
		})
	}
	return out, nil
}
