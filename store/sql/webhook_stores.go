package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-relay/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// EndpointStore persists endpoints. When Cipher is set, signing secrets are
// sealed on write and opened on read.
type EndpointStore struct {
	db     *bun.DB
	repo   repository.Repository[*endpointRecord]
	Cipher core.SecretCipher
}

func NewEndpointStore(db *bun.DB) (*EndpointStore, error) {
	repo, err := newRepository[*endpointRecord](db, endpointHandlers(), "endpoint")
	if err != nil {
		return nil, err
	}
	return &EndpointStore{db: db, repo: repo}, nil
}

func (s *EndpointStore) Create(ctx context.Context, endpoint core.Endpoint) (core.Endpoint, error) {
	if s == nil || s.repo == nil {
		return core.Endpoint{}, fmt.Errorf("sqlstore: endpoint store is not configured")
	}
	if strings.TrimSpace(endpoint.URL) == "" {
		return core.Endpoint{}, fmt.Errorf("sqlstore: endpoint url is required")
	}
	secret, err := s.seal(ctx, endpoint.Secret)
	if err != nil {
		return core.Endpoint{}, err
	}
	now := time.Now().UTC()
	record := &endpointRecord{
		ID:        strings.TrimSpace(endpoint.ID),
		URL:       strings.TrimSpace(endpoint.URL),
		Secret:    secret,
		Active:    endpoint.Active,
		CreatedAt: endpoint.CreatedAt.UTC(),
		UpdatedAt: endpoint.UpdatedAt.UTC(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if endpoint.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if endpoint.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Endpoint{}, err
	}
	return s.open(ctx, created)
}

func (s *EndpointStore) Get(ctx context.Context, id string) (core.Endpoint, error) {
	if s == nil || s.db == nil {
		return core.Endpoint{}, fmt.Errorf("sqlstore: endpoint store is not configured")
	}
	record := &endpointRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Endpoint{}, fmt.Errorf("%w: id %q", core.ErrEndpointNotFound, id)
		}
		return core.Endpoint{}, err
	}
	return s.open(ctx, record)
}

func (s *EndpointStore) List(ctx context.Context) ([]core.Endpoint, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: endpoint store is not configured")
	}
	records, _, err := s.repo.List(ctx, repository.OrderBy("created_at ASC"), repository.OrderBy("id ASC"))
	if err != nil {
		return nil, err
	}
	out := make([]core.Endpoint, 0, len(records))
	for _, record := range records {
		endpoint, err := s.open(ctx, record)
		if err != nil {
			return nil, err
		}
		out = append(out, endpoint)
	}
	return out, nil
}

func (s *EndpointStore) SetActive(ctx context.Context, id string, active bool) (core.Endpoint, error) {
	if s == nil || s.db == nil {
		return core.Endpoint{}, fmt.Errorf("sqlstore: endpoint store is not configured")
	}
	id = strings.TrimSpace(id)
	res, err := s.db.NewUpdate().
		Model((*endpointRecord)(nil)).
		Set("active = ?", active).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return core.Endpoint{}, err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return core.Endpoint{}, fmt.Errorf("%w: id %q", core.ErrEndpointNotFound, id)
	}
	return s.Get(ctx, id)
}

func (s *EndpointStore) seal(ctx context.Context, secret string) (string, error) {
	if s.Cipher == nil || secret == "" {
		return secret, nil
	}
	sealed, err := s.Cipher.Encrypt(ctx, []byte(secret))
	if err != nil {
		return "", fmt.Errorf("sqlstore: seal endpoint secret: %w", err)
	}
	return string(sealed), nil
}

func (s *EndpointStore) open(ctx context.Context, record *endpointRecord) (core.Endpoint, error) {
	endpoint := record.toDomain()
	if s.Cipher == nil || endpoint.Secret == "" {
		return endpoint, nil
	}
	secret, err := s.Cipher.Decrypt(ctx, []byte(endpoint.Secret))
	if err != nil {
		return core.Endpoint{}, fmt.Errorf("sqlstore: open secret of endpoint %q: %w", endpoint.ID, err)
	}
	endpoint.Secret = string(secret)
	return endpoint, nil
}

func (r *endpointRecord) toDomain() core.Endpoint {
	if r == nil {
		return core.Endpoint{}
	}
	return core.Endpoint{
		ID:        r.ID,
		URL:       r.URL,
		Secret:    r.Secret,
		Active:    r.Active,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type EventStore struct {
	db   *bun.DB
	repo repository.Repository[*eventRecord]
}

func NewEventStore(db *bun.DB) (*EventStore, error) {
	repo, err := newRepository[*eventRecord](db, eventHandlers(), "event")
	if err != nil {
		return nil, err
	}
	return &EventStore{db: db, repo: repo}, nil
}

func (s *EventStore) Create(ctx context.Context, event core.Event) (core.Event, error) {
	if s == nil || s.repo == nil {
		return core.Event{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	if strings.TrimSpace(event.EndpointID) == "" {
		return core.Event{}, fmt.Errorf("sqlstore: event endpoint id is required")
	}
	payload := strings.TrimSpace(string(event.Payload))
	if payload == "" {
		payload = "{}"
	}
	record := &eventRecord{
		ID:         strings.TrimSpace(event.ID),
		EndpointID: strings.TrimSpace(event.EndpointID),
		EventType:  strings.TrimSpace(event.EventType),
		Payload:    payload,
		CreatedAt:  event.CreatedAt.UTC(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Event{}, err
	}
	return created.toDomain(), nil
}

func (s *EventStore) Get(ctx context.Context, id string) (core.Event, error) {
	if s == nil || s.db == nil {
		return core.Event{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record := &eventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Event{}, fmt.Errorf("%w: id %q", core.ErrEventNotFound, id)
		}
		return core.Event{}, err
	}
	return record.toDomain(), nil
}

func (r *eventRecord) toDomain() core.Event {
	if r == nil {
		return core.Event{}
	}
	return core.Event{
		ID:         r.ID,
		EndpointID: r.EndpointID,
		EventType:  r.EventType,
		Payload:    json.RawMessage(r.Payload),
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

type DeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*deliveryRecord]
}

func NewDeliveryStore(db *bun.DB) (*DeliveryStore, error) {
	repo, err := newRepository[*deliveryRecord](db, deliveryHandlers(), "delivery")
	if err != nil {
		return nil, err
	}
	return &DeliveryStore{db: db, repo: repo}, nil
}

func (s *DeliveryStore) Create(ctx context.Context, delivery core.Delivery) (core.Delivery, error) {
	if s == nil || s.repo == nil {
		return core.Delivery{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	if strings.TrimSpace(delivery.EndpointID) == "" || strings.TrimSpace(delivery.EventID) == "" {
		return core.Delivery{}, fmt.Errorf("sqlstore: delivery endpoint id and event id are required")
	}
	now := time.Now().UTC()
	record := newDeliveryRecord(delivery)
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = string(core.DeliveryStatusPending)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Delivery{}, err
	}
	return created.toDomain(), nil
}

func (s *DeliveryStore) Get(ctx context.Context, id string) (core.Delivery, error) {
	if s == nil || s.db == nil {
		return core.Delivery{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	record, err := getDelivery(ctx, s.db, id)
	if err != nil {
		return core.Delivery{}, err
	}
	return record.toDomain(), nil
}

func (s *DeliveryStore) List(ctx context.Context, filter core.DeliveryFilter) ([]core.Delivery, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at ASC"),
		repository.OrderBy("id ASC"),
	}
	if filter.Limit > 0 {
		selectors = append(selectors, repository.SelectPaginate(filter.Limit, max(filter.Offset, 0)))
	}
	if endpointID := strings.TrimSpace(filter.EndpointID); endpointID != "" {
		selectors = append(selectors, repository.SelectBy("endpoint_id", "=", endpointID))
	}
	if filter.Status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(filter.Status)))
	}
	if filter.DueBefore != nil {
		due := filter.DueBefore.UTC()
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("(?TableAlias.next_attempt_at IS NULL OR ?TableAlias.next_attempt_at <= ?)", due)
		}))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Delivery, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// Transition applies the change only while the stored status is one of
// transition.From, so two workers reporting the same attempt cannot both win.
func (s *DeliveryStore) Transition(ctx context.Context, transition core.DeliveryTransition) (core.Delivery, error) {
	if s == nil || s.db == nil {
		return core.Delivery{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	id := strings.TrimSpace(transition.ID)
	if id == "" {
		return core.Delivery{}, fmt.Errorf("sqlstore: delivery id is required")
	}
	if len(transition.From) == 0 {
		return core.Delivery{}, fmt.Errorf("sqlstore: transition source statuses are required")
	}
	from := make([]string, 0, len(transition.From))
	for _, status := range transition.From {
		from = append(from, string(status))
	}
	updatedAt := transition.UpdatedAt.UTC()
	if transition.UpdatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var updated *deliveryRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := tx.NewUpdate().
			Model((*deliveryRecord)(nil)).
			Set("status = ?", string(transition.To)).
			Set("attempt_count = ?", transition.AttemptCount).
			Set("last_error = ?", transition.LastError).
			Set("last_status_code = ?", transition.LastStatusCode).
			Set("next_attempt_at = ?", utcPointer(transition.NextAttemptAt)).
			Set("delivered_at = ?", utcPointer(transition.DeliveredAt)).
			Set("updated_at = ?", updatedAt).
			Where("id = ?", id).
			Where("status IN (?)", bun.In(from))
		if transition.FromAttemptCount != nil {
			query = query.Where("attempt_count = ?", *transition.FromAttemptCount)
		}
		res, err := query.Exec(ctx)
		if err != nil {
			return err
		}
		current, err := getDelivery(ctx, tx, id)
		if err != nil {
			return err
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return fmt.Errorf("%w: %s is %s at attempt %d", core.ErrDeliveryConflict, id, current.Status, current.AttemptCount)
		}
		updated = current
		return nil
	})
	if err != nil {
		return core.Delivery{}, err
	}
	return updated.toDomain(), nil
}

func getDelivery(ctx context.Context, db bun.IDB, id string) (*deliveryRecord, error) {
	record := &deliveryRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %q", core.ErrDeliveryNotFound, id)
		}
		return nil, err
	}
	return record, nil
}

func newDeliveryRecord(delivery core.Delivery) *deliveryRecord {
	return &deliveryRecord{
		ID:             strings.TrimSpace(delivery.ID),
		EndpointID:     strings.TrimSpace(delivery.EndpointID),
		EventID:        strings.TrimSpace(delivery.EventID),
		AttemptCount:   delivery.AttemptCount,
		MaxRetries:     delivery.MaxRetries,
		Status:         string(delivery.Status),
		LastError:      delivery.LastError,
		LastStatusCode: delivery.LastStatusCode,
		NextAttemptAt:  utcPointer(delivery.NextAttemptAt),
		DeliveredAt:    utcPointer(delivery.DeliveredAt),
		CreatedAt:      delivery.CreatedAt.UTC(),
		UpdatedAt:      delivery.UpdatedAt.UTC(),
	}
}

func (r *deliveryRecord) toDomain() core.Delivery {
	if r == nil {
		return core.Delivery{}
	}
	return core.Delivery{
		ID:             r.ID,
		EndpointID:     r.EndpointID,
		EventID:        r.EventID,
		AttemptCount:   r.AttemptCount,
		MaxRetries:     r.MaxRetries,
		Status:         core.DeliveryStatus(r.Status),
		LastError:      r.LastError,
		LastStatusCode: r.LastStatusCode,
		NextAttemptAt:  utcPointer(r.NextAttemptAt),
		DeliveredAt:    utcPointer(r.DeliveredAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func utcPointer(input *time.Time) *time.Time {
	if input == nil || input.IsZero() {
		return nil
	}
	value := input.UTC()
	return &value
}

var (
	_ core.EndpointStore = (*EndpointStore)(nil)
	_ core.EventStore    = (*EventStore)(nil)
	_ core.DeliveryStore = (*DeliveryStore)(nil)
)
