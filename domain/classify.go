package domain

import "strings"

// ClassifyChangeType implements the Watcher classification fallback chain:
// event-name keywords win first, then the payload's own "reason" field, then
// the sign of the quantity delta, else adjustment.
func ClassifyChangeType(eventName, reason string, previousQuantity, newQuantity int) ChangeType {
	if ct, ok := classifyKeywords(eventName); ok {
		return ct
	}
	if ct, ok := classifyKeywords(reason); ok {
		return ct
	}
	delta := newQuantity - previousQuantity
	switch {
	case delta < 0:
		return ChangeSale
	case delta > 0:
		return ChangeRestock
	default:
		return ChangeAdjustment
	}
}

func classifyKeywords(s string) (ChangeType, bool) {
	if s == "" {
		return "", false
	}
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "sale"), strings.Contains(lower, "transaction"):
		return ChangeSale, true
	case strings.Contains(lower, "return"), strings.Contains(lower, "refund"):
		return ChangeReturn, true
	case strings.Contains(lower, "restock"), strings.Contains(lower, "receive"):
		return ChangeRestock, true
	case strings.Contains(lower, "order"):
		return ChangeOrder, true
	}
	return "", false
}

// StockToSync computes the quantity pushed to a target channel: full stock
// for POS channels, buffer-withheld for online/delivery channels. This is
// the concrete rule behind I2 (buffer reserve) and I3 (non-negative stock).
func StockToSync(channelType ChannelType, currentStock, bufferStock int) int {
	if !channelType.IsOnline() {
		return currentStock
	}
	available := currentStock - bufferStock
	if available < 0 {
		return 0
	}
	return available
}

// ExpectedStock is the same rule Guardian uses to compute the value a
// non-source channel should be showing, given the source of truth's stock.
func ExpectedStock(channelType ChannelType, truthQuantity, bufferStock int) int {
	return StockToSync(channelType, truthQuantity, bufferStock)
}

// DriftSeverityFor classifies a maxDrift value against the tenant's
// auto-repair threshold: below threshold is low (auto-repairable), below
// 2x threshold is medium, else high.
func DriftSeverityFor(maxDrift, autoRepairThreshold int) DriftSeverity {
	switch {
	case maxDrift < autoRepairThreshold:
		return DriftLow
	case maxDrift < 2*autoRepairThreshold:
		return DriftMedium
	default:
		return DriftHigh
	}
}

// LowStockThreshold returns the threshold a low_stock rule should trigger
// at: the rule's own threshold if positive, else bufferStock+5.
func LowStockThreshold(ruleThreshold, bufferStock int) int {
	if ruleThreshold > 0 {
		return ruleThreshold
	}
	return bufferStock + 5
}
