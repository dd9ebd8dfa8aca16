package repo

import (
	"context"
	"database/sql"
	"errors"

	"phaseline/internal/domain"
)

func (r Repo) InsertReport(ctx context.Context, q Querier, rep domain.Report) error {
	_, err := q.ExecContext(ctx, `INSERT INTO reports(id,name,created_by,created_at) VALUES (?,?,?,?)`,
		rep.ID, rep.Name, rep.CreatedBy, rep.CreatedAt)
	return err
}

func (r Repo) GetReport(ctx context.Context, q Querier, id string) (domain.Report, error) {
	var rep domain.Report
	err := q.QueryRowContext(ctx, `SELECT id,name,created_by,created_at FROM reports WHERE id=?`, id).
		Scan(&rep.ID, &rep.Name, &rep.CreatedBy, &rep.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, ErrNotFound
	}
	return rep, err
}

func (r Repo) ListReports(ctx context.Context, q Querier) ([]domain.Report, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,name,created_by,created_at FROM reports ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		var rep domain.Report
		if err := rows.Scan(&rep.ID, &rep.Name, &rep.CreatedBy, &rep.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// InsertCatalogItem adds an item; it returns false when the id already exists for the report.
func (r Repo) InsertCatalogItem(ctx context.Context, q Querier, it domain.CatalogItem) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO catalog_items(report_id,id,position,name,description,is_critical,has_known_issue) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(report_id,id) DO NOTHING`,
		it.ReportID, it.ID, it.Position, it.Name, nullable(it.Description), boolInt(it.IsCritical), boolInt(it.HasKnownIssue))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// NextCatalogPosition returns the position after the last catalog item.
func (r Repo) NextCatalogPosition(ctx context.Context, q Querier, reportID string) (int, error) {
	var pos int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),-1)+1 FROM catalog_items WHERE report_id=?`, reportID).Scan(&pos)
	return pos, err
}

// ListCatalogItems returns the report catalog in catalog order.
func (r Repo) ListCatalogItems(ctx context.Context, q Querier, reportID string) ([]domain.CatalogItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT report_id,id,position,name,description,is_critical,has_known_issue FROM catalog_items WHERE report_id=? ORDER BY position ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CatalogItem
	for rows.Next() {
		var it domain.CatalogItem
		var desc sql.NullString
		if err := rows.Scan(&it.ReportID, &it.ID, &it.Position, &it.Name, &desc, &it.IsCritical, &it.HasKnownIssue); err != nil {
			return nil, err
		}
		it.Description = desc.String
		res = append(res, it)
	}
	return res, rows.Err()
}
