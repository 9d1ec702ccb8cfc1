package printavoapi

import (
	"context"
	"fmt"
	"strconv"

	"printavo-archive/internal/entity"
)

// OrderSubResources are fetched per order, they are not embedded in the
// order listing.
var OrderSubResources = []string{"lineitemgroups", "tasks", "payments", "expenses", "fees"}

const (
	scopeOrderDetails   = "order-details"
	detailsCheckpointAt = 20
)

// Details maps sub resource -> order id -> records.
type Details map[string]map[string][]entity.Entity

func newDetails() Details {
	d := Details{}
	for _, sub := range OrderSubResources {
		d[sub] = map[string][]entity.Entity{}
	}
	return d
}

func partialKey(sub string) string {
	return "order-details:" + sub
}

// ExtractLineItems flattens the line items embedded in each order and stamps
// every item with its order's id and visual id.
func ExtractLineItems(orders []entity.Entity) []entity.Entity {
	var out []entity.Entity
	for _, order := range orders {
		id, _ := entity.ID(order)
		visualID := order["visual_id"]
		for _, li := range entity.List(order, "lineitems_attributes") {
			item := make(entity.Entity, len(li)+2)
			for k, v := range li {
				item[k] = v
			}
			item["order_id"] = id
			item["order_visual_id"] = visualID
			out = append(out, item)
		}
	}
	return out
}

// FetchOrderSub fetches one per-order sub resource, like `orders/12/tasks`.
func (c *Client) FetchOrderSub(ctx context.Context, orderID int64, sub string) ([]entity.Entity, error) {
	return c.FetchSimple(ctx, fmt.Sprintf("orders/%d/%s", orderID, sub))
}

// ExtractOrderDetails fetches every sub resource of every order. Progress is
// checkpointed every few orders, orders marked complete are restored from the
// checkpoint instead of being fetched again. A failed sub resource is
// recorded and left out, its order stays incomplete.
func (c *Client) ExtractOrderDetails(ctx context.Context, orders []entity.Entity, onProgress func(done, total int)) (Details, error) {
	ctx, span := tracer.Start(ctx, "ExtractOrderDetails")
	defer span.End()

	details := newDetails()
	for _, sub := range OrderSubResources {
		for _, saved := range c.checkpoint.Partial(partialKey(sub)) {
			orderKey := entity.Str(saved, "order_id")
			details[sub][orderKey] = entity.List(saved, "items")
		}
	}

	var pending []string
	save := func() {
		for _, sub := range OrderSubResources {
			c.checkpoint.SetPartial(partialKey(sub), details.flatten(sub))
		}
		// only after the data they refer to has been handed over
		for _, key := range pending {
			c.checkpoint.MarkComplete(scopeOrderDetails, key)
		}
		pending = pending[:0]
	}

	for i, order := range orders {
		if ctx.Err() != nil {
			save()
			return details, ctx.Err()
		}

		id, ok := entity.ID(order)
		if !ok {
			continue
		}
		key := strconv.FormatInt(id, 10)
		if c.checkpoint.IsComplete(scopeOrderDetails, key) {
			continue
		}

		complete := true
		for _, sub := range OrderSubResources {
			records, err := c.FetchOrderSub(ctx, id, sub)
			if err != nil {
				if ctx.Err() != nil {
					save()
					return details, ctx.Err()
				}
				c.fail(report_client_order_details, "order %d %s: %w", id, sub, err)
				complete = false
				continue
			}
			if len(records) > 0 {
				details[sub][key] = records
			}
		}
		// an order missing a sub resource is fetched again on resume
		if complete {
			pending = append(pending, key)
		}

		if onProgress != nil {
			onProgress(i+1, len(orders))
		}
		if len(pending) >= detailsCheckpointAt {
			save()
		}
	}

	save()
	return details, nil
}

func (d Details) flatten(sub string) []map[string]any {
	out := make([]map[string]any, 0, len(d[sub]))
	for orderKey, records := range d[sub] {
		items := make([]any, len(records))
		for i, r := range records {
			items[i] = r
		}
		out = append(out, map[string]any{"order_id": orderKey, "items": items})
	}
	return out
}

// Count returns how many orders have at least one record of sub.
func (d Details) Count(sub string) int {
	return len(d[sub])
}

// ForgetOrderDetails drops checkpointed order details once they have been
// written out somewhere durable.
func (c *Client) ForgetOrderDetails() {
	for _, sub := range OrderSubResources {
		c.checkpoint.ClearResource(partialKey(sub))
	}
}
