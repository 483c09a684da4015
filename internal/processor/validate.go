package processor

import (
	"fmt"
	"time"

	"github.com/dharsanguruparan/recordpipe/internal/model"
)

// buildProduct turns one raw record into a Product, or reports why it cannot.
// It is a pure function returning an explicit result; a bad record is an
// expected, frequent condition, not an exception.
//
// Externally supplied identity fields ("id", "_id") are dropped so they never
// collide with the store's own identity, and file_id/last_modified are always
// server-assigned regardless of what the source record claims. Every other
// unknown field passes through verbatim into Extra.
func buildProduct(rec map[string]any, fileID string, now time.Time) (model.Product, error) {
	p := model.Product{
		FileID:       fileID,
		LastModified: now,
		Extra:        make(map[string]any),
	}
	for k, v := range rec {
		switch k {
		case "id", "_id", "file_id", "last_modified":
			// stripped
		case "code":
			s, ok := v.(string)
			if !ok || s == "" {
				return model.Product{}, fmt.Errorf("code must be a non-empty string, got %v", v)
			}
			p.Code = s
		case "product_name":
			if v == nil {
				continue
			}
			s, ok := v.(string)
			if !ok {
				return model.Product{}, fmt.Errorf("product_name must be a string, got %v", v)
			}
			p.ProductName = s
		default:
			p.Extra[k] = v
		}
	}
	if p.Code == "" {
		return model.Product{}, fmt.Errorf("record has no code")
	}
	return p, nil
}

// recordCode extracts the business key for logging, or "MISSING" when the
// record does not carry one.
func recordCode(rec map[string]any) string {
	if s, ok := rec["code"].(string); ok && s != "" {
		return s
	}
	return "MISSING"
}
