package watcher

import (
	"encoding/json"
	"fmt"

	"github.com/mkesani1/stockclerk-sub001/domain"
)

// registerStandardDecoders wires up the payload shapes named in spec.md
// §4.3: one function per (channelType, eventType) pair, no ad-hoc field
// probing.
func (w *Watcher) registerStandardDecoders() {
	w.RegisterDecoder(domain.ChannelPOS, "stock.updated", decodePOSStockUpdated)
	w.RegisterDecoder(domain.ChannelPOS, "product.updated", decodePOSStockUpdated)
	w.RegisterDecoder(domain.ChannelPOS, "transaction.created", decodePOSTransaction)
	w.RegisterDecoder(domain.ChannelPOS, "sale.completed", decodePOSTransaction)
	w.RegisterDecoder(domain.ChannelOnline, "inventory.updated", decodeOnlineInventoryUpdated)
	w.RegisterDecoder(domain.ChannelOnline, "order.created", decodeOnlineOrder)
	w.RegisterDecoder(domain.ChannelOnline, "order_paid", decodeOnlineOrder)
	w.RegisterDecoder(domain.ChannelDelivery, "item.availability.updated", decodeDeliveryAvailability)
	w.RegisterDecoder(domain.ChannelDelivery, "order.created", decodeDeliveryOrder)
}

// posStockUpdatedPayload is EposNow's stock.updated / product.updated shape.
type posStockUpdatedPayload struct {
	ProductID         string `json:"ProductId"`
	CurrentStockLevel int    `json:"CurrentStockLevel"`
}

func decodePOSStockUpdated(job WebhookJob) ([]domain.StockChange, error) {
	var p posStockUpdatedPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode pos stock.updated: %w", err)
	}
	if p.ProductID == "" {
		return nil, fmt.Errorf("pos stock.updated: missing ProductId")
	}
	return []domain.StockChange{{
		ExternalID:  p.ProductID,
		NewQuantity: p.CurrentStockLevel,
		RawPayload:  job.Payload,
	}}, nil
}

// posTransactionPayload is EposNow's transaction.created / sale.completed
// shape: one line item per sold product.
type posTransactionPayload struct {
	LineItems []struct {
		ProductID        string `json:"ProductId"`
		PreviousQuantity int    `json:"PreviousQuantity"`
		SoldQuantity     int    `json:"SoldQuantity"`
	} `json:"LineItems"`
}

func decodePOSTransaction(job WebhookJob) ([]domain.StockChange, error) {
	var p posTransactionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode pos transaction: %w", err)
	}

	changes := make([]domain.StockChange, 0, len(p.LineItems))
	for _, item := range p.LineItems {
		newQty := item.PreviousQuantity - item.SoldQuantity
		if newQty < 0 {
			newQty = 0
		}
		prev := item.PreviousQuantity
		changes = append(changes, domain.StockChange{
			ExternalID:       item.ProductID,
			PreviousQuantity: &prev,
			NewQuantity:      newQty,
			ChangeAmount:     -item.SoldQuantity,
			ChangeType:       domain.ChangeSale,
		})
	}
	return changes, nil
}

// onlineInventoryPayload is a Wix-style inventory webhook: one variant per
// entry.
type onlineInventoryPayload struct {
	Variants []struct {
		VariantID string `json:"variantId"`
		Quantity  int    `json:"quantity"`
	} `json:"variants"`
}

func decodeOnlineInventoryUpdated(job WebhookJob) ([]domain.StockChange, error) {
	var p onlineInventoryPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode online inventory.updated: %w", err)
	}

	changes := make([]domain.StockChange, 0, len(p.Variants))
	for _, v := range p.Variants {
		changes = append(changes, domain.StockChange{
			ExternalID:  v.VariantID,
			NewQuantity: v.Quantity,
		})
	}
	return changes, nil
}

// onlineOrderPayload is a Wix-style order.created / order_paid webhook.
type onlineOrderPayload struct {
	LineItems []struct {
		VariantID        string `json:"variantId"`
		PreviousQuantity int    `json:"previousQuantity"`
		Quantity         int    `json:"quantity"`
	} `json:"lineItems"`
}

func decodeOnlineOrder(job WebhookJob) ([]domain.StockChange, error) {
	var p onlineOrderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode online order: %w", err)
	}

	changes := make([]domain.StockChange, 0, len(p.LineItems))
	for _, item := range p.LineItems {
		newQty := item.PreviousQuantity - item.Quantity
		if newQty < 0 {
			newQty = 0
		}
		prev := item.PreviousQuantity
		changes = append(changes, domain.StockChange{
			ExternalID:       item.VariantID,
			PreviousQuantity: &prev,
			NewQuantity:      newQty,
			ChangeAmount:     -item.Quantity,
			ChangeType:       domain.ChangeOrder,
		})
	}
	return changes, nil
}

// deliveryAvailabilityPayload is a Deliveroo-style item.availability.updated
// webhook: binary available/unavailable, not a quantity.
type deliveryAvailabilityPayload struct {
	ItemID    string `json:"itemId"`
	Available bool   `json:"available"`
}

func decodeDeliveryAvailability(job WebhookJob) ([]domain.StockChange, error) {
	var p deliveryAvailabilityPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode delivery item.availability.updated: %w", err)
	}

	newQty := 0
	if p.Available {
		newQty = 1
	}
	return []domain.StockChange{{
		ExternalID:  p.ItemID,
		NewQuantity: newQty,
		ChangeType:  domain.ChangeAdjustment,
	}}, nil
}

// deliveryOrderPayload is a Deliveroo-style order.created webhook.
type deliveryOrderPayload struct {
	Items []struct {
		ItemID   string `json:"itemId"`
		Quantity int    `json:"quantity"`
	} `json:"items"`
}

func decodeDeliveryOrder(job WebhookJob) ([]domain.StockChange, error) {
	var p deliveryOrderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode delivery order.created: %w", err)
	}

	changes := make([]domain.StockChange, 0, len(p.Items))
	for _, item := range p.Items {
		changes = append(changes, domain.StockChange{
			ExternalID:   item.ItemID,
			ChangeAmount: -item.Quantity,
			RelativeOnly: true, // delivery platforms report quantity ordered, not residual stock; Handle resolves the absolute value against the product's current stock
			ChangeType:   domain.ChangeOrder,
		})
	}
	return changes, nil
}
