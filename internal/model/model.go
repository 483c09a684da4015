// Package model contains the struct definitions shared across packages.
package model

import (
	"encoding/json"
	"time"
)

// FileStatus describes the processing lifecycle of an uploaded file.
type FileStatus string

const (
	StatusUploaded            FileStatus = "uploaded"
	StatusProcessing          FileStatus = "processing"
	StatusFailed              FileStatus = "failed"
	StatusProcessed           FileStatus = "processed"
	StatusProcessedWithErrors FileStatus = "processed_with_errors"
)

// Terminal reports whether no further status transition may occur.
func (s FileStatus) Terminal() bool {
	switch s {
	case StatusFailed, StatusProcessed, StatusProcessedWithErrors:
		return true
	}
	return false
}

// UploadedFile holds metadata about an uploaded dataset file. TotalRecords
// stays 0 until the splitter has seen the whole file; the counters are only
// ever incremented, never set, so concurrent processors cannot clobber each
// other.
type UploadedFile struct {
	ID               string     `json:"id"`
	Filename         string     `json:"filename"`
	Location         string     `json:"-"`
	ContentType      string     `json:"contentType"`
	Status           FileStatus `json:"status"`
	TotalRecords     int64      `json:"totalRecords"`
	RecordsProcessed int64      `json:"recordsProcessed"`
	RecordsFailed    int64      `json:"recordsFailed"`
	UploadedAt       time.Time  `json:"uploadedAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// FileUploadedMessage is published on the file_uploaded queue when a new file
// lands in storage.
type FileUploadedMessage struct {
	ID         string    `json:"id"`
	Location   string    `json:"location"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// RecordBatchMessage carries a batch of raw records from the splitter to the
// processors. Records are kept opaque so unknown source fields survive the
// hop.
type RecordBatchMessage struct {
	FileID  string           `json:"file_id"`
	Records []map[string]any `json:"records"`
}

// Product is a single record in the products collection. Code is the unique
// business key. Extra holds every source field we do not model explicitly; it
// is flattened back to the top level when the product is serialized.
type Product struct {
	Code         string
	ProductName  string
	FileID       string
	LastModified time.Time
	Extra        map[string]any
}

// productFields are the keys owned by the typed part of Product. They are
// never read from or written into Extra.
var productFields = map[string]struct{}{
	"code":          {},
	"product_name":  {},
	"file_id":       {},
	"last_modified": {},
}

// MarshalJSON flattens Extra into the top-level object alongside the typed
// fields.
func (p Product) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		if _, owned := productFields[k]; owned {
			continue
		}
		out[k] = v
	}
	out["code"] = p.Code
	out["file_id"] = p.FileID
	out["last_modified"] = p.LastModified
	if p.ProductName != "" {
		out["product_name"] = p.ProductName
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat object back into typed fields plus Extra.
func (p *Product) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["code"].(string); ok {
		p.Code = v
	}
	if v, ok := raw["product_name"].(string); ok {
		p.ProductName = v
	}
	if v, ok := raw["file_id"].(string); ok {
		p.FileID = v
	}
	if v, ok := raw["last_modified"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.LastModified = ts
		}
	}
	p.Extra = make(map[string]any)
	for k, v := range raw {
		if _, owned := productFields[k]; owned {
			continue
		}
		p.Extra[k] = v
	}
	return nil
}
