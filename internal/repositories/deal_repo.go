package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dealbridge/backend/internal/apperr"
	"github.com/dealbridge/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Pool is the subset of pgxpool.Pool used by the repositories, so that
// tests can substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const dealColumns = `id, status, initiator, buyer_id, seller_id, buyer_network, buyer_address,
		seller_network, seller_address, amount::text, asset_ref, is_cross_network, ledger_contract_ref,
		conditions, timeline, final_approval_deadline, dispute_deadline, funds_deposited_by_buyer,
		escrow_released, funds_released_to_seller, bridge_session, version, created_at, updated_at`

type DealRepo struct {
	pool Pool
}

func NewDealRepo(pool Pool) *DealRepo {
	return &DealRepo{pool: pool}
}

func (r *DealRepo) Create(ctx context.Context, d *models.Deal) error {
	conditions, timeline, session, err := marshalSubEntities(d)
	if err != nil {
		return err
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO deals (id, status, initiator, buyer_id, seller_id, buyer_network, buyer_address,
			seller_network, seller_address, amount, asset_ref, is_cross_network, ledger_contract_ref,
			conditions, timeline, bridge_session, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14, $15, $16, 1)
		RETURNING version, created_at, updated_at
	`, d.ID, d.Status, d.Initiator, d.Parties.BuyerID, d.Parties.SellerID,
		d.Settlement.Buyer.NetworkID, d.Settlement.Buyer.Address,
		d.Settlement.Seller.NetworkID, d.Settlement.Seller.Address,
		d.Amount.String(), d.AssetRef, d.IsCrossNetwork, d.LedgerContractRef,
		conditions, timeline, session,
	).Scan(&d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (r *DealRepo) Get(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	d, err := scanDeal(r.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("deal")
	}
	if err != nil {
		return nil, fmt.Errorf("get deal: %w", err)
	}
	return d, nil
}

// ConditionalPut writes the whole deal if the stored version still equals
// expectedVersion. On success d.Version holds the new version.
func (r *DealRepo) ConditionalPut(ctx context.Context, d *models.Deal, expectedVersion int64) error {
	conditions, timeline, session, err := marshalSubEntities(d)
	if err != nil {
		return err
	}

	err = r.pool.QueryRow(ctx, `
		UPDATE deals SET
			status = $3, ledger_contract_ref = $4, conditions = $5, timeline = $6,
			final_approval_deadline = $7, dispute_deadline = $8, funds_deposited_by_buyer = $9,
			escrow_released = $10, funds_released_to_seller = $11, bridge_session = $12,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, d.ID, expectedVersion, d.Status, d.LedgerContractRef, conditions, timeline,
		d.FinalApprovalDeadline, d.DisputeDeadline, d.FundsDepositedByBuyer,
		d.EscrowReleased, d.FundsReleasedToSeller, session,
	).Scan(&d.Version, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missedPut(ctx, d.ID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("update deal: %w", err)
	}
	return nil
}

// missedPut tells a stale version apart from a deal that does not exist.
func (r *DealRepo) missedPut(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	var current int64
	err := r.pool.QueryRow(ctx, `SELECT version FROM deals WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("deal")
	}
	if err != nil {
		return fmt.Errorf("check deal version: %w", err)
	}
	return apperr.VersionConflict(expectedVersion)
}

// QueryByStatus returns every deal currently in one of the given statuses.
func (r *DealRepo) QueryByStatus(ctx context.Context, statuses ...string) ([]*models.Deal, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+dealColumns+` FROM deals WHERE status = ANY($1) ORDER BY updated_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("query deals by status: %w", err)
	}
	return collectDeals(rows)
}

type DealFilter struct {
	Status  *string
	PartyID *uuid.UUID // buyer or seller
	Limit   int
	Offset  int
}

func (r *DealRepo) List(ctx context.Context, f DealFilter) ([]*models.Deal, error) {
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}
	if f.PartyID != nil {
		where = append(where, fmt.Sprintf("(buyer_id = $%d OR seller_id = $%d)", argIdx, argIdx))
		args = append(args, *f.PartyID)
		argIdx++
	}

	query := `SELECT ` + dealColumns + ` FROM deals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	return collectDeals(rows)
}

func collectDeals(rows pgx.Rows) ([]*models.Deal, error) {
	defer rows.Close()

	var deals []*models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

func scanDeal(row pgx.Row) (*models.Deal, error) {
	var (
		d                             models.Deal
		amount                        string
		conditions, timeline, session []byte
	)
	err := row.Scan(&d.ID, &d.Status, &d.Initiator, &d.Parties.BuyerID, &d.Parties.SellerID,
		&d.Settlement.Buyer.NetworkID, &d.Settlement.Buyer.Address,
		&d.Settlement.Seller.NetworkID, &d.Settlement.Seller.Address,
		&amount, &d.AssetRef, &d.IsCrossNetwork, &d.LedgerContractRef,
		&conditions, &timeline, &d.FinalApprovalDeadline, &d.DisputeDeadline,
		&d.FundsDepositedByBuyer, &d.EscrowReleased, &d.FundsReleasedToSeller,
		&session, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if err := json.Unmarshal(conditions, &d.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	if err := json.Unmarshal(timeline, &d.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}
	if len(session) > 0 && string(session) != "null" {
		d.BridgeSession = &models.BridgeSession{}
		if err := json.Unmarshal(session, d.BridgeSession); err != nil {
			return nil, fmt.Errorf("decode bridge session: %w", err)
		}
	}
	return &d, nil
}

func marshalSubEntities(d *models.Deal) (conditions, timeline, session []byte, err error) {
	conds := d.Conditions
	if conds == nil {
		conds = []models.Condition{}
	}
	if conditions, err = json.Marshal(conds); err != nil {
		return nil, nil, nil, fmt.Errorf("encode conditions: %w", err)
	}
	events := d.Timeline
	if events == nil {
		events = []models.TimelineEvent{}
	}
	if timeline, err = json.Marshal(events); err != nil {
		return nil, nil, nil, fmt.Errorf("encode timeline: %w", err)
	}
	if d.BridgeSession != nil {
		if session, err = json.Marshal(d.BridgeSession); err != nil {
			return nil, nil, nil, fmt.Errorf("encode bridge session: %w", err)
		}
	}
	return conditions, timeline, session, nil
}
