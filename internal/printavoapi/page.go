package printavoapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"printavo-archive/internal/entity"
)

var ErrUnexpectedShape = errors.New("unexpected response shape")

// Page is one decoded api response. The api answers either with a bare array
// or with `{data: [...], meta: {total_pages, total_count}}`, both are resolved
// here so pagination only ever looks at Items and HasMore.
type Page interface {
	Items() []entity.Entity
	// TotalPages is the reported page count, ok is false when the response
	// did not say.
	TotalPages() (n int, ok bool)
	// HasMore reports whether a page after `current` should be requested.
	HasMore(current int) bool
}

// ArrayPage is a bare array response, it is the only page there is.
type ArrayPage struct {
	items []entity.Entity
}

func (p ArrayPage) Items() []entity.Entity   { return p.items }
func (p ArrayPage) TotalPages() (int, bool)  { return 1, true }
func (p ArrayPage) HasMore(current int) bool { return false }

// WrappedPage is a `{data, meta}` response. A missing total_pages is treated
// as a single page.
type WrappedPage struct {
	items      []entity.Entity
	totalPages int
	totalCount int
	hasTotal   bool
}

func (p WrappedPage) Items() []entity.Entity { return p.items }

func (p WrappedPage) TotalPages() (int, bool) {
	return p.totalPages, p.hasTotal
}

func (p WrappedPage) TotalCount() int { return p.totalCount }

func (p WrappedPage) HasMore(current int) bool {
	if !p.hasTotal {
		return false
	}
	return current < p.totalPages
}

type wrappedBody struct {
	Data json.RawMessage `json:"data"`
	Meta *struct {
		TotalPages *json.Number `json:"total_pages"`
		TotalCount *json.Number `json:"total_count"`
	} `json:"meta"`
}

func decodeJSON(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

func decodeItems(raw []byte) ([]entity.Entity, error) {
	var items []entity.Entity
	err := decodeJSON(raw, &items)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedShape, err.Error())
	}
	return items, nil
}

func numberOr(n *json.Number, fallback int) (int, bool) {
	if n == nil {
		return fallback, false
	}
	v, err := n.Int64()
	if err != nil {
		return fallback, false
	}
	return int(v), true
}

func decodePage(body []byte) (Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnexpectedShape)
	}

	switch trimmed[0] {
	case '[':
		items, err := decodeItems(trimmed)
		if err != nil {
			return nil, err
		}
		return ArrayPage{items: items}, nil
	case '{':
		var wrapped wrappedBody
		err := decodeJSON(trimmed, &wrapped)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedShape, err.Error())
		}
		data := bytes.TrimSpace(wrapped.Data)
		if len(data) == 0 || data[0] != '[' {
			return nil, fmt.Errorf("%w: object without a data array", ErrUnexpectedShape)
		}
		items, err := decodeItems(data)
		if err != nil {
			return nil, err
		}
		page := WrappedPage{items: items}
		if wrapped.Meta != nil {
			page.totalPages, page.hasTotal = numberOr(wrapped.Meta.TotalPages, 1)
			page.totalCount, _ = numberOr(wrapped.Meta.TotalCount, 0)
		}
		return page, nil
	}
	return nil, fmt.Errorf("%w: body starts with %q", ErrUnexpectedShape, trimmed[0])
}
