package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/db"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, app Application) error
	InsertFields(ctx context.Context, tx pgx.Tx, applicationID string, fields map[string]string) error
	InsertDocuments(ctx context.Context, tx pgx.Tx, applicationID string, docs []Document) error
	ReplaceContent(ctx context.Context, tx pgx.Tx, app Application) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, applicationID string) (Application, error)
	SetStatus(ctx context.Context, tx pgx.Tx, applicationID string, status Status, submittedAt *time.Time) error
	Get(ctx context.Context, applicationID string) (Application, error)
	List(ctx context.Context, filters Filters) ([]Application, int, error)
}

type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const baseColumns = `application_id, user_id, company_name, merchant_type, contact_name, contact_phone,
       status, validation_score, submitted_at, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, app Application) error {
	const q = `
INSERT INTO applications (application_id, user_id, company_name, merchant_type, contact_name, contact_phone, status, validation_score)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := tx.Exec(ctx, q,
		app.ApplicationID,
		app.UserID,
		app.CompanyName,
		app.MerchantType,
		app.ContactName,
		app.ContactPhone,
		app.Status,
		app.ValidationScore,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("application: duplicate id %s: %w", app.ApplicationID, err)
		}
		return fmt.Errorf("application: insert base record: %w", err)
	}
	return nil
}

func (r *PGRepository) InsertFields(ctx context.Context, tx pgx.Tx, applicationID string, fields map[string]string) error {
	const q = `INSERT INTO application_fields (application_id, field_name, field_value) VALUES ($1, $2, $3)`
	for name, value := range fields {
		if _, err := tx.Exec(ctx, q, applicationID, name, value); err != nil {
			return fmt.Errorf("application: insert field %s: %w", name, err)
		}
	}
	return nil
}

func (r *PGRepository) InsertDocuments(ctx context.Context, tx pgx.Tx, applicationID string, docs []Document) error {
	const q = `
INSERT INTO application_documents (document_id, application_id, document_type, file_name, content_type, size_bytes, storage_key, url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	for _, d := range docs {
		if _, err := tx.Exec(ctx, q, d.DocumentID, applicationID, d.DocumentType, d.FileName, d.ContentType, d.Size, d.StorageKey, d.URL); err != nil {
			return fmt.Errorf("application: insert document %s: %w", d.FileName, err)
		}
	}
	return nil
}

// ReplaceContent overwrites the editable base columns and swaps the field rows
// for a resubmission. Document rows are swapped only when app carries
// documents.
func (r *PGRepository) ReplaceContent(ctx context.Context, tx pgx.Tx, app Application) error {
	const q = `
UPDATE applications
SET company_name = $2, contact_name = $3, contact_phone = $4, validation_score = $5, updated_at = now()
WHERE application_id = $1
`
	tag, err := tx.Exec(ctx, q, app.ApplicationID, app.CompanyName, app.ContactName, app.ContactPhone, app.ValidationScore)
	if err != nil {
		return fmt.Errorf("application: update base record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("application", app.ApplicationID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM application_fields WHERE application_id = $1`, app.ApplicationID); err != nil {
		return fmt.Errorf("application: clear fields: %w", err)
	}
	if err := r.InsertFields(ctx, tx, app.ApplicationID, app.Fields); err != nil {
		return err
	}
	if len(app.Documents) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM application_documents WHERE application_id = $1`, app.ApplicationID); err != nil {
		return fmt.Errorf("application: clear documents: %w", err)
	}
	return r.InsertDocuments(ctx, tx, app.ApplicationID, app.Documents)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, applicationID string) (Application, error) {
	q := `SELECT ` + baseColumns + ` FROM applications WHERE application_id = $1 FOR UPDATE`
	app, err := scanApplication(tx.QueryRow(ctx, q, applicationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Application{}, apperr.NotFound("application", applicationID)
	}
	if err != nil {
		return Application{}, fmt.Errorf("application: lock %s: %w", applicationID, err)
	}
	return app, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, applicationID string, status Status, submittedAt *time.Time) error {
	const q = `
UPDATE applications
SET status = $2, submitted_at = COALESCE($3, submitted_at), updated_at = now()
WHERE application_id = $1
`
	tag, err := tx.Exec(ctx, q, applicationID, status, submittedAt)
	if err != nil {
		return fmt.Errorf("application: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("application", applicationID)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, applicationID string) (Application, error) {
	q := `SELECT ` + baseColumns + ` FROM applications WHERE application_id = $1`
	app, err := scanApplication(r.pool.QueryRow(ctx, q, applicationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Application{}, apperr.NotFound("application", applicationID)
	}
	if err != nil {
		return Application{}, fmt.Errorf("application: get %s: %w", applicationID, err)
	}

	if app.Fields, err = r.loadFields(ctx, applicationID); err != nil {
		return Application{}, err
	}
	if app.Documents, err = r.loadDocuments(ctx, applicationID); err != nil {
		return Application{}, err
	}
	return app, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Application, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.UserID != "" {
		args = append(args, filters.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM applications WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("application: count: %w", err)
	}

	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)
	q := fmt.Sprintf(`SELECT %s FROM applications WHERE %s ORDER BY created_at DESC, application_id DESC LIMIT $%d OFFSET $%d`,
		baseColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("application: list: %w", err)
	}
	defer rows.Close()

	var items []Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("application: scan: %w", err)
		}
		items = append(items, app)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("application: iterate: %w", err)
	}
	return items, total, nil
}

func (r *PGRepository) loadFields(ctx context.Context, applicationID string) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT field_name, field_value FROM application_fields WHERE application_id = $1`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("application: load fields: %w", err)
	}
	defer rows.Close()

	fields := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("application: scan field: %w", err)
		}
		fields[name] = value
	}
	return fields, rows.Err()
}

func (r *PGRepository) loadDocuments(ctx context.Context, applicationID string) ([]Document, error) {
	const q = `
SELECT document_id::text, document_type, file_name, content_type, size_bytes, storage_key, url
FROM application_documents
WHERE application_id = $1
ORDER BY created_at, document_id
`
	rows, err := r.pool.Query(ctx, q, applicationID)
	if err != nil {
		return nil, fmt.Errorf("application: load documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.DocumentID, &d.DocumentType, &d.FileName, &d.ContentType, &d.Size, &d.StorageKey, &d.URL); err != nil {
			return nil, fmt.Errorf("application: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func scanApplication(row pgx.Row) (Application, error) {
	var (
		app   Application
		score *int32
	)
	if err := row.Scan(
		&app.ApplicationID,
		&app.UserID,
		&app.CompanyName,
		&app.MerchantType,
		&app.ContactName,
		&app.ContactPhone,
		&app.Status,
		&score,
		&app.SubmittedAt,
		&app.CreatedAt,
		&app.UpdatedAt,
	); err != nil {
		return Application{}, err
	}
	if score != nil {
		v := int(*score)
		app.ValidationScore = &v
	}
	return app, nil
}
