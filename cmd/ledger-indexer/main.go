package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/dealbridge/backend/internal/config"
	"github.com/dealbridge/backend/internal/db"
	"github.com/dealbridge/backend/internal/events"
	"github.com/dealbridge/backend/internal/ledger"
	"github.com/redis/go-redis/v9"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

const (
	redisCursorLT   = "ledger-indexer:cursor:lt"
	redisCursorHash = "ledger-indexer:cursor:hash"
	txBatchSize     = 100
)

// The indexer follows the escrow contract's transactions and appends every
// escrow log entry to the ledger event stream. The cursor only moves after a
// transaction's events are appended, so a crash replays rather than skips;
// the reconciler drops the duplicates.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TONEscrowContract == "" {
		log.Fatal("TON_ESCROW_CONTRACT is required")
	}
	escrowAddr, err := address.ParseAddr(cfg.TONEscrowContract)
	if err != nil {
		log.Fatal("invalid TON_ESCROW_CONTRACT", zap.String("addr", cfg.TONEscrowContract), zap.Error(err))
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	api, err := ledger.Connect(ctx, ledger.ConnectConfigFrom(cfg), log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	stream := events.NewLedgerStream(rdb, cfg.LedgerStream, cfg.LedgerConsumerGroup, "indexer", log)

	log.Info("ledger indexer started",
		zap.String("contract", escrowAddr.String()),
		zap.String("network", cfg.TONNetwork),
		zap.String("stream", cfg.LedgerStream),
	)

	ticker := time.NewTicker(cfg.IndexerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := pollAndAppend(ctx, api, escrowAddr, stream, rdb, log); err != nil && ctx.Err() == nil {
				log.Error("poll cycle failed", zap.Error(err))
			}
		case <-ctx.Done():
			log.Info("shutting down ledger indexer")
			return
		}
	}
}

type cursor struct {
	LT   uint64
	Hash []byte
}

func loadCursor(ctx context.Context, rdb redis.UniversalClient) (cursor, error) {
	vals, err := rdb.MGet(ctx, redisCursorLT, redisCursorHash).Result()
	if err != nil {
		return cursor{}, err
	}
	var c cursor
	if s, ok := vals[0].(string); ok && s != "" {
		if c.LT, err = strconv.ParseUint(s, 10, 64); err != nil {
			return cursor{}, fmt.Errorf("corrupt cursor lt %q: %w", s, err)
		}
	}
	if s, ok := vals[1].(string); ok && s != "" {
		c.Hash, _ = hex.DecodeString(s)
	}
	return c, nil
}

func saveCursor(ctx context.Context, rdb redis.UniversalClient, lt uint64, hash []byte) error {
	return rdb.MSet(ctx,
		redisCursorLT, strconv.FormatUint(lt, 10),
		redisCursorHash, hex.EncodeToString(hash),
	).Err()
}

// pollAndAppend runs a single poll cycle: fetch every transaction newer than
// the cursor, oldest first, append its escrow events, then advance the cursor.
func pollAndAppend(
	ctx context.Context,
	api ton.APIClientWrapped,
	addr *address.Address,
	stream *events.LedgerStream,
	rdb redis.UniversalClient,
	log *zap.Logger,
) error {
	cur, err := loadCursor(ctx, rdb)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	block, err := api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return fmt.Errorf("get master block: %w", err)
	}

	account, err := api.GetAccount(ctx, block, addr)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return nil
	}
	if account.LastTxLT <= cur.LT {
		return nil
	}

	newTxs, err := fetchNewTransactions(ctx, api, addr, account, cur.LT)
	if err != nil {
		return fmt.Errorf("fetch transactions: %w", err)
	}

	appended := 0
	for _, tx := range newTxs {
		evs, err := ledger.DecodeTransaction(tx, log)
		if err != nil {
			log.Warn("failed to decode transaction", zap.Uint64("lt", tx.LT), zap.Error(err))
		}
		for _, ev := range evs {
			if _, err := stream.Append(ctx, ev); err != nil {
				return fmt.Errorf("append %s: %w", ev.Identity(), err)
			}
			appended++
		}
		if err := saveCursor(ctx, rdb, tx.LT, tx.Hash); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}

	if appended > 0 {
		log.Info("ledger events appended",
			zap.Int("transactions", len(newTxs)),
			zap.Int("events", appended),
		)
	}
	return nil
}

// fetchNewTransactions retrieves all transactions with LT > cursorLT.
// ListTransactions returns results oldest-first; we paginate backwards
// until we reach the cursor, then return in chronological order.
func fetchNewTransactions(
	ctx context.Context,
	api ton.APIClientWrapped,
	addr *address.Address,
	account *tlb.Account,
	cursorLT uint64,
) ([]*tlb.Transaction, error) {
	var allTxs []*tlb.Transaction

	lt := account.LastTxLT
	hash := account.LastTxHash

	for {
		txs, err := api.ListTransactions(ctx, addr, uint32(txBatchSize), lt, hash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		reachedCursor := false
		for _, tx := range txs {
			if tx.LT <= cursorLT {
				reachedCursor = true
				continue
			}
			allTxs = append(allTxs, tx)
		}

		if reachedCursor || len(txs) < txBatchSize {
			break
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}

	sort.Slice(allTxs, func(i, j int) bool {
		return allTxs[i].LT < allTxs[j].LT
	})

	return allTxs, nil
}
