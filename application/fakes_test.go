package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/c66w/business-cooperation-sub000/apperr"
	"github.com/c66w/business-cooperation-sub000/audit"
)

type fakeRepo struct {
	mu        sync.Mutex
	apps      map[string]Application
	fields    map[string]map[string]string
	docs      map[string][]Document
	insertErr error
	fieldErr  error
	docErr    error
	statusErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		apps:   map[string]Application{},
		fields: map[string]map[string]string{},
		docs:   map[string][]Document{},
	}
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, app Application) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.apps[app.ApplicationID]; ok {
		return errors.New("duplicate")
	}
	f.apps[app.ApplicationID] = app
	return nil
}

func (f *fakeRepo) InsertFields(ctx context.Context, tx pgx.Tx, applicationID string, fields map[string]string) error {
	if f.fieldErr != nil {
		return f.fieldErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields[applicationID] = fields
	return nil
}

func (f *fakeRepo) InsertDocuments(ctx context.Context, tx pgx.Tx, applicationID string, docs []Document) error {
	if f.docErr != nil {
		return f.docErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[applicationID] = append(f.docs[applicationID], docs...)
	return nil
}

func (f *fakeRepo) ReplaceContent(ctx context.Context, tx pgx.Tx, app Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.apps[app.ApplicationID]
	if !ok {
		return apperr.NotFound("application", app.ApplicationID)
	}
	cur.CompanyName = app.CompanyName
	cur.ContactName = app.ContactName
	cur.ContactPhone = app.ContactPhone
	cur.ValidationScore = app.ValidationScore
	f.apps[app.ApplicationID] = cur
	f.fields[app.ApplicationID] = app.Fields
	if len(app.Documents) > 0 {
		f.docs[app.ApplicationID] = app.Documents
	}
	return nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, applicationID string) (Application, error) {
	return f.Get(ctx, applicationID)
}

func (f *fakeRepo) SetStatus(ctx context.Context, tx pgx.Tx, applicationID string, status Status, submittedAt *time.Time) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[applicationID]
	if !ok {
		return apperr.NotFound("application", applicationID)
	}
	app.Status = status
	if submittedAt != nil {
		app.SubmittedAt = submittedAt
	}
	f.apps[applicationID] = app
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, applicationID string) (Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[applicationID]
	if !ok {
		return Application{}, apperr.NotFound("application", applicationID)
	}
	app.Fields = f.fields[applicationID]
	app.Documents = f.docs[applicationID]
	return app, nil
}

func (f *fakeRepo) List(ctx context.Context, filters Filters) ([]Application, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Application
	for _, app := range f.apps {
		if filters.UserID != "" && app.UserID != filters.UserID {
			continue
		}
		if filters.Status != "" && app.Status != filters.Status {
			continue
		}
		out = append(out, app)
	}
	return out, len(out), nil
}

type fakeHistory struct {
	entries []audit.Entry
	err     error
}

func (f *fakeHistory) Record(ctx context.Context, tx pgx.Tx, entry audit.Entry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

type outboxMessage struct {
	topic   string
	key     string
	payload map[string]any
}

type fakeOutbox struct {
	messages []outboxMessage
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error {
	f.messages = append(f.messages, outboxMessage{topic: topic, key: key, payload: payload})
	return nil
}

type fakeUploader struct {
	err  error
	keys []string
}

func (f *fakeUploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "file:///store/" + key, nil
}

func factoryParams() SubmitParams {
	return SubmitParams{
		UserID:       "merchant-1",
		CompanyName:  "Acme Manufacturing",
		MerchantType: MerchantFactory,
		ContactName:  "Li Wei",
		ContactPhone: "+86 138-0000-0000",
		Fields: map[string]string{
			"factory_address":     "1 Industrial Rd",
			"production_capacity": "10000 units/month",
		},
	}
}
