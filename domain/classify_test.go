package domain

import "testing"

func TestClassifyChangeType(t *testing.T) {
	tests := []struct {
		name             string
		eventName        string
		reason           string
		previousQuantity int
		newQuantity      int
		want             ChangeType
	}{
		{"sale keyword in event name", "transaction.created", "", 100, 85, ChangeSale},
		{"order keyword in event name", "order.created", "", 100, 90, ChangeOrder},
		{"return keyword in event name", "refund.issued", "", 90, 95, ChangeReturn},
		{"restock keyword in event name", "stock.restock", "", 10, 50, ChangeRestock},
		{"falls back to reason when event name has no keyword", "stock.updated", "customer return", 10, 15, ChangeReturn},
		{"falls back to sign when neither has a keyword", "stock.updated", "", 100, 85, ChangeSale},
		{"falls back to sign positive", "stock.updated", "", 10, 50, ChangeRestock},
		{"falls back to adjustment on zero delta", "stock.updated", "", 50, 50, ChangeAdjustment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyChangeType(tt.eventName, tt.reason, tt.previousQuantity, tt.newQuantity)
			if got != tt.want {
				t.Errorf("ClassifyChangeType(%q, %q, %d, %d) = %q, want %q",
					tt.eventName, tt.reason, tt.previousQuantity, tt.newQuantity, got, tt.want)
			}
		})
	}
}

func TestStockToSync(t *testing.T) {
	tests := []struct {
		name         string
		channelType  ChannelType
		currentStock int
		bufferStock  int
		want         int
	}{
		{"pos sees full stock", ChannelPOS, 85, 10, 85},
		{"online channel withholds buffer", ChannelOnline, 85, 10, 75},
		{"delivery channel withholds buffer", ChannelDelivery, 85, 10, 75},
		{"online channel never goes negative", ChannelOnline, 5, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StockToSync(tt.channelType, tt.currentStock, tt.bufferStock)
			if got != tt.want {
				t.Errorf("StockToSync(%v, %d, %d) = %d, want %d",
					tt.channelType, tt.currentStock, tt.bufferStock, got, tt.want)
			}
		})
	}
}

func TestDriftSeverityFor(t *testing.T) {
	tests := []struct {
		name      string
		maxDrift  int
		threshold int
		want      DriftSeverity
	}{
		{"below threshold is low", 3, 5, DriftLow},
		{"at threshold is medium", 5, 5, DriftMedium},
		{"just under double threshold is medium", 9, 5, DriftMedium},
		{"double threshold is high", 10, 5, DriftHigh},
		{"well above threshold is high", 50, 5, DriftHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DriftSeverityFor(tt.maxDrift, tt.threshold)
			if got != tt.want {
				t.Errorf("DriftSeverityFor(%d, %d) = %q, want %q", tt.maxDrift, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestLowStockThreshold(t *testing.T) {
	if got := LowStockThreshold(20, 10); got != 20 {
		t.Errorf("LowStockThreshold(20, 10) = %d, want 20", got)
	}
	if got := LowStockThreshold(0, 10); got != 15 {
		t.Errorf("LowStockThreshold(0, 10) = %d, want 15", got)
	}
}
