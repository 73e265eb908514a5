package syncengine

import (
	"context"
	"encoding/json"
	"net/url"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"bitbucket.org/mediflowhq/inventory_agent/models"
	"bitbucket.org/mediflowhq/inventory_agent/utils"
)

// ReadCollection serves a collection read: read-cache first, then the server,
// then the durable local store when the server is unreachable. The third return
// reports whether the data came from the local store (possibly stale).
func (e *Engine) ReadCollection(ctx context.Context, collection string, params url.Values) ([]json.RawMessage, bool, error) {
	e.rememberIdentity(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)
	token, _ := utils.GetTokenFromContext(ctx)

	cacheKey := collection
	if len(params) > 0 {
		cacheKey = collection + "?" + params.Encode()
	}
	if raw, ok := e.cache.Get(cacheKey); ok {
		var records []json.RawMessage
		if err := json.Unmarshal(raw, &records); err == nil {
			return records, false, nil
		}
	}

	if !e.monitor.IsOffline() {
		body, err := e.api.GetJSON(ctx, "/api/"+collection, params, token)
		if err == nil {
			records := decodeRecordList(body)
			e.cache.Set(cacheKey, mustMarshal(records))
			// Unfiltered reads refresh the durable copy for offline use.
			if len(params) == 0 {
				models.PutCollection(ctx, collection, userId, normalizeRecords(collection, records))
			}
			return records, false, nil
		}
		if !IsRetryable(err) {
			return nil, false, err
		}
		e.monitor.ReportOffline()
	}

	records, ok := models.GetCollection(ctx, collection, userId)
	if !ok {
		return []json.RawMessage{}, true, nil
	}
	if len(params) > 0 {
		records = filterRecords(records, params)
	}
	return records, true, nil
}

// RefreshCollections pulls every collection from the server into the durable
// store. Called after startup and after a sync pass that resolved temp ids.
func (e *Engine) RefreshCollections(ctx context.Context) error {
	userId, _ := utils.GetUserIdFromContext(ctx)
	token, _ := utils.GetTokenFromContext(ctx)

	for _, collection := range models.AllCollections() {
		body, err := e.api.GetJSON(ctx, "/api/"+collection, nil, token)
		if err != nil {
			config.LogError(e.logger, "fetch.go", "RefreshCollections", collection, nil, err)
			if IsRetryable(err) {
				e.monitor.ReportOffline()
				return err
			}
			continue
		}
		records := decodeRecordList(body)
		models.PutCollection(ctx, collection, userId, normalizeRecords(collection, records))
	}
	return nil
}

// decodeRecordList accepts either a bare JSON array or {"data": [...]}.
func decodeRecordList(body json.RawMessage) []json.RawMessage {
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err == nil {
		return records
	}
	var wrapped struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data
	}
	return []json.RawMessage{}
}

// normalizeRecords fixes up server payloads before caching. Hospital phone
// numbers arrive in mixed formats and are stored E.164.
func normalizeRecords(collection string, records []json.RawMessage) []json.RawMessage {
	if collection != models.CollectionHospitals {
		return records
	}
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(rec, &obj); err != nil {
			out = append(out, rec)
			continue
		}
		var phone string
		if raw, ok := obj["phone"]; ok && json.Unmarshal(raw, &phone) == nil && phone != "" {
			normalized, _ := json.Marshal(utils.NormalizePhoneNumber(phone, utils.CountryCode))
			obj["phone"] = normalized
		}
		fixed, err := json.Marshal(obj)
		if err != nil {
			out = append(out, rec)
			continue
		}
		out = append(out, fixed)
	}
	return out
}

// filterRecords applies query params as field equality over the cached copies,
// mirroring the server's lookup semantics for offline reads (gtin and the like).
func filterRecords(records []json.RawMessage, params url.Values) []json.RawMessage {
	out := []json.RawMessage{}
	for _, rec := range records {
		var obj map[string]interface{}
		if err := json.Unmarshal(rec, &obj); err != nil {
			continue
		}
		match := true
		for field, wanted := range params {
			if len(wanted) == 0 {
				continue
			}
			got, ok := obj[field]
			if !ok {
				match = false
				break
			}
			if s, ok := got.(string); !ok || s != wanted[0] {
				match = false
				break
			}
		}
		if match {
			out = append(out, rec)
		}
	}
	return out
}

func mustMarshal(v interface{}) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		return []byte("[]")
	}
	return out
}
