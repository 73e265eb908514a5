package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"bitbucket.org/mediflowhq/inventory_agent/models"
	"bitbucket.org/mediflowhq/inventory_agent/syncengine"
	"bitbucket.org/mediflowhq/inventory_agent/utils"
)

// PlanForSession loads a session's scans and the recorded inventory in scope and
// computes the plan. The recorded side comes from the local cache, which the
// sync engine keeps current; offline it is the freshest copy that exists.
func PlanForSession(ctx context.Context, session *models.StockCountSession, confirmAbsent bool) (*Plan, error) {
	items, err := models.ListStockCountItems(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	inventory := models.CachedInventory(ctx, session.UserId)
	return BuildPlan(items, inventory, session.CountType, config.MissingPolicy(), confirmAbsent), nil
}

// ApplyPlan submits every plan mutation through the normal write path, so an
// offline apply simply queues them, then completes the session with the frozen
// summary. The session transitions only after every mutation was accepted
// locally; a queued mutation counts as accepted.
func ApplyPlan(ctx context.Context, engine *syncengine.Engine, session *models.StockCountSession, plan *Plan) error {
	if session.Status != models.SessionStatusInProgress {
		return models.ErrSessionNotActive
	}

	for _, t := range plan.Transfers {
		payload, err := json.Marshal(map[string]interface{}{
			"id":       t.RecordId,
			"location": t.To,
		})
		if err != nil {
			return err
		}
		if _, _, err := engine.SubmitWrite(ctx, models.MutationMethodUpdate,
			"/api/inventory/"+t.RecordId, models.CollectionInventory, payload); err != nil {
			return fmt.Errorf("transfer %s: %w", t.RecordId, err)
		}
	}

	for _, n := range plan.NewItems {
		payload, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if _, _, err := engine.SubmitWrite(ctx, models.MutationMethodCreate,
			"/api/inventory", models.CollectionInventory, payload); err != nil {
			return fmt.Errorf("new item %s: %w", n.ProductId, err)
		}
	}

	for _, m := range plan.MarkedMissing {
		payload, err := json.Marshal(map[string]interface{}{
			"id":      m.RecordId,
			"missing": true,
		})
		if err != nil {
			return err
		}
		if _, _, err := engine.SubmitWrite(ctx, models.MutationMethodUpdate,
			"/api/inventory/"+m.RecordId, models.CollectionInventory, payload); err != nil {
			return fmt.Errorf("mark missing %s: %w", m.RecordId, err)
		}
	}

	for _, d := range plan.Derecognized {
		if d.Remaining.IsPositive() {
			payload, err := json.Marshal(map[string]interface{}{
				"id":       d.RecordId,
				"quantity": d.Remaining,
			})
			if err != nil {
				return err
			}
			if _, _, err := engine.SubmitWrite(ctx, models.MutationMethodUpdate,
				"/api/inventory/"+d.RecordId, models.CollectionInventory, payload); err != nil {
				return fmt.Errorf("write down %s: %w", d.RecordId, err)
			}
			continue
		}
		if _, _, err := engine.SubmitWrite(ctx, models.MutationMethodDelete,
			"/api/inventory/"+d.RecordId, models.CollectionInventory, nil); err != nil {
			return fmt.Errorf("derecognize %s: %w", d.RecordId, err)
		}
	}

	userName, _ := utils.GetUserNameFromContext(ctx)
	return models.CompleteStockCountSession(ctx, session.ID, session.UserId, userName, plan.Summary())
}
