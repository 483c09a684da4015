package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/recordpipe/internal/model"
)

// ProductRepository persists product records keyed by their business code.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository constructs a repository.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// BulkUpsert writes a whole batch in one statement: insert new codes, fully
// replace rows whose code already exists. Duplicate codes inside the batch
// are collapsed to the last occurrence first, both to keep the later record
// wins semantics and because Postgres rejects updating the same row twice in
// one INSERT.
func (r *ProductRepository) BulkUpsert(ctx context.Context, products []model.Product) error {
	products = dedupeByCode(products)
	if len(products) == 0 {
		return nil
	}

	args := make([]any, 0, len(products)*5)
	placeholders := make([]string, 0, len(products))
	for i, p := range products {
		extra, err := json.Marshal(p.Extra)
		if err != nil {
			return fmt.Errorf("marshal extra fields for %s: %w", p.Code, err)
		}
		n := i * 5
		placeholders = append(placeholders,
			fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5))
		args = append(args, p.Code, nullable(p.ProductName), p.FileID, p.LastModified, extra)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO products (code, product_name, file_id, last_modified, extra)
		VALUES %s
		ON CONFLICT (code) DO UPDATE SET
			product_name = EXCLUDED.product_name,
			file_id = EXCLUDED.file_id,
			last_modified = EXCLUDED.last_modified,
			extra = EXCLUDED.extra
	`, strings.Join(placeholders, ","))
	if _, err := r.pool.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("bulk upsert products: %w", err)
	}
	return nil
}

// FindByCode returns the product with the given business code.
func (r *ProductRepository) FindByCode(ctx context.Context, code string) (*model.Product, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT code, COALESCE(product_name,''), file_id, last_modified, extra
		FROM products WHERE code=$1
	`, code)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

// FindByNameExact returns up to limit products whose name matches exactly.
func (r *ProductRepository) FindByNameExact(ctx context.Context, name string, limit int) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT code, COALESCE(product_name,''), file_id, last_modified, extra
		FROM products WHERE product_name=$1 LIMIT $2
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("select products by name: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

// FindByNamePartial returns up to limit products whose name contains the
// search term, case-insensitively.
func (r *ProductRepository) FindByNamePartial(ctx context.Context, name string, limit int) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT code, COALESCE(product_name,''), file_id, last_modified, extra
		FROM products WHERE product_name ILIKE '%' || $1 || '%' LIMIT $2
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("select products by partial name: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

func dedupeByCode(products []model.Product) []model.Product {
	last := make(map[string]int, len(products))
	for i, p := range products {
		last[p.Code] = i
	}
	if len(last) == len(products) {
		return products
	}
	out := make([]model.Product, 0, len(last))
	for i, p := range products {
		if last[p.Code] == i {
			out = append(out, p)
		}
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*model.Product, error) {
	var (
		p     model.Product
		extra []byte
	)
	if err := row.Scan(&p.Code, &p.ProductName, &p.FileID, &p.LastModified, &extra); err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &p.Extra); err != nil {
			return nil, fmt.Errorf("decode extra fields for %s: %w", p.Code, err)
		}
	}
	return &p, nil
}

func collectProducts(rows pgx.Rows) ([]model.Product, error) {
	var out []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}
