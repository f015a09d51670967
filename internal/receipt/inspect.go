package receipt

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

type PurchaseStatus string

const (
	Purchased    PurchaseStatus = "purchased"
	NotPurchased PurchaseStatus = "not_purchased"
	Expired      PurchaseStatus = "expired"
)

// VerifyPurchase reports whether receipt holds an in-app entry for productID.
func VerifyPurchase(productID string, receipt Receipt) PurchaseStatus {
	if len(inAppFor(productID, receipt)) > 0 {
		return Purchased
	}
	return NotPurchased
}

// SubscriptionResult is Purchased or Expired with the latest expiry, or
// NotPurchased with a zero ExpiresAt.
type SubscriptionResult struct {
	Status    PurchaseStatus `json:"status"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
}

// VerifySubscription checks productID against validUntil. With a zero
// duration the expiry is read from expires_date_ms; otherwise it is
// original_purchase_date_ms plus duration. The latest expiry wins.
func VerifySubscription(productID string, receipt Receipt, validUntil time.Time, duration time.Duration) SubscriptionResult {
	entries := inAppFor(productID, receipt)
	if len(entries) == 0 {
		return SubscriptionResult{Status: NotPurchased}
	}

	key := "expires_date_ms"
	if duration > 0 {
		key = "original_purchase_date_ms"
	}

	var expiries []time.Time
	for _, e := range entries {
		ms, ok := millis(e[key])
		if !ok {
			continue
		}
		expiries = append(expiries, time.UnixMilli(ms).Add(duration).UTC())
	}
	if len(expiries) == 0 {
		return SubscriptionResult{Status: NotPurchased}
	}

	sort.Slice(expiries, func(i, j int) bool { return expiries[i].After(expiries[j]) })
	latest := expiries[0]

	if latest.After(validUntil) {
		return SubscriptionResult{Status: Purchased, ExpiresAt: latest}
	}
	return SubscriptionResult{Status: Expired, ExpiresAt: latest}
}

func inAppFor(productID string, receipt Receipt) []map[string]any {
	inner, ok := receipt["receipt"].(map[string]any)
	if !ok {
		return nil
	}
	all, ok := inner["in_app"].([]any)
	if !ok {
		return nil
	}

	var out []map[string]any
	for _, item := range all {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := entry["product_id"].(string); id == productID {
			out = append(out, entry)
		}
	}
	return out
}

// millis accepts the endpoint's string timestamps and plain JSON numbers.
func millis(v any) (int64, bool) {
	switch n := v.(type) {
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
