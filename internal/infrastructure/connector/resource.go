package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
)

// Resource describes one REST collection of a vendor API
type Resource struct {
	// Path is the collection path, e.g. /api/v1/customers
	Path string
	// IDField is the record field holding the vendor id
	IDField string
	// KeyField is the record field holding the natural key
	KeyField string
	// KeyParam is the query parameter that filters the collection by natural key
	KeyParam string
	// UpdatedField is the record field holding the modification time
	UpdatedField string
	// SinceParam is the query parameter that filters by modification time
	SinceParam string
	// ListField is the envelope field wrapping list responses; empty for a bare array
	ListField string
	// PageSize is sent as the "limit" parameter of list requests; 0 omits it
	PageSize int
}

// ResourceClient implements entitysync.EntityClient over a Resource
type ResourceClient struct {
	client   *Client
	resource Resource
}

// NewResourceClient binds a Resource to an API client
func NewResourceClient(client *Client, resource Resource) *ResourceClient {
	if resource.IDField == "" {
		resource.IDField = "id"
	}
	if resource.UpdatedField == "" {
		resource.UpdatedField = "updatedAt"
	}
	return &ResourceClient{client: client, resource: resource}
}

// Fetch implements entitysync.EntityClient
func (r *ResourceClient) Fetch(ctx context.Context, id string) (*entitysync.Snapshot, error) {
	var rec map[string]any
	if err := r.client.Do(ctx, http.MethodGet, r.itemPath(id), nil, &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, shared.NewDomainErrorf(shared.ErrNotFound, "%s record %s not found", r.client.Name(), id)
		}
		return nil, err
	}
	return r.snapshot(rec)
}

// ListChangedSince implements entitysync.EntityClient, following cursor pages
// when the vendor returns a nextCursor
func (r *ResourceClient) ListChangedSince(ctx context.Context, since time.Time) ([]entitysync.Snapshot, error) {
	q := url.Values{}
	if r.resource.SinceParam != "" {
		q.Set(r.resource.SinceParam, since.UTC().Format(time.RFC3339Nano))
	}
	if r.resource.PageSize > 0 {
		q.Set("limit", fmt.Sprint(r.resource.PageSize))
	}

	var out []entitysync.Snapshot
	for {
		records, cursor, err := r.list(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			s, err := r.snapshot(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, *s)
		}
		if cursor == "" {
			return out, nil
		}
		q.Set("cursor", cursor)
	}
}

// Create implements entitysync.EntityClient
func (r *ResourceClient) Create(ctx context.Context, data map[string]any) (*entitysync.Snapshot, error) {
	var rec map[string]any
	if err := r.client.Do(ctx, http.MethodPost, r.resource.Path, data, &rec); err != nil {
		return nil, err
	}
	return r.snapshot(rec)
}

// Update implements entitysync.EntityClient
func (r *ResourceClient) Update(ctx context.Context, id string, data map[string]any) (*entitysync.Snapshot, error) {
	var rec map[string]any
	if err := r.client.Do(ctx, http.MethodPut, r.itemPath(id), data, &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, shared.NewDomainErrorf(shared.ErrNotFound, "%s record %s not found", r.client.Name(), id)
		}
		return nil, err
	}
	return r.snapshot(rec)
}

// FindByNaturalKey implements entitysync.EntityClient. Returns nil, nil when
// no record carries key; more than one match is an error.
func (r *ResourceClient) FindByNaturalKey(ctx context.Context, key string) (*entitysync.Snapshot, error) {
	if r.resource.KeyParam == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set(r.resource.KeyParam, key)
	records, _, err := r.list(ctx, q)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return r.snapshot(records[0])
	}
	return nil, fmt.Errorf("%w: %d %s records share natural key %q", ErrRequestFailed, len(records), r.client.Name(), key)
}

func (r *ResourceClient) itemPath(id string) string {
	return r.resource.Path + "/" + url.PathEscape(id)
}

func (r *ResourceClient) list(ctx context.Context, q url.Values) ([]map[string]any, string, error) {
	path := r.resource.Path
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	if r.resource.ListField == "" {
		var records []map[string]any
		if err := r.client.Do(ctx, http.MethodGet, path, nil, &records); err != nil {
			return nil, "", err
		}
		return records, "", nil
	}

	var envelope map[string]json.RawMessage
	if err := r.client.Do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, "", err
	}
	var records []map[string]any
	if raw, ok := envelope[r.resource.ListField]; ok {
		if err := decodeJSON(raw, &records); err != nil {
			return nil, "", fmt.Errorf("%w: %s list: %v", ErrMalformedResponse, r.client.Name(), err)
		}
	}
	var cursor string
	if raw, ok := envelope["nextCursor"]; ok {
		_ = json.Unmarshal(raw, &cursor)
	}
	return records, cursor, nil
}

func (r *ResourceClient) snapshot(rec map[string]any) (*entitysync.Snapshot, error) {
	id := stringField(rec, r.resource.IDField)
	if id == "" {
		return nil, fmt.Errorf("%w: %s record without %q", ErrMalformedResponse, r.client.Name(), r.resource.IDField)
	}
	s := &entitysync.Snapshot{
		ID:   id,
		Data: rec,
	}
	if r.resource.KeyField != "" {
		s.NaturalKey = stringField(rec, r.resource.KeyField)
	}
	if ts := stringField(rec, r.resource.UpdatedField); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %v", ErrMalformedResponse, r.client.Name(), r.resource.UpdatedField, err)
		}
		s.UpdatedAt = t
	}
	return s, nil
}

// stringField renders a scalar field as a string; numbers keep their JSON text
func stringField(rec map[string]any, field string) string {
	switch v := rec[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

var _ entitysync.EntityClient = (*ResourceClient)(nil)
