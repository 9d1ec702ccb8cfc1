package printavoapi

import (
	"context"
	"fmt"
	"iter"

	"printavo-archive/internal/entity"

	"go.opentelemetry.io/otel/attribute"
)

// PageInfo is handed to the progress callback after every page.
type PageInfo struct {
	Resource   string
	Page       int
	TotalPages int
	Fetched    int
}

// FetchPaginated collects every entity of a paginated resource. Pages are
// requested strictly one after the other, starting after the checkpointed
// cursor if there is one. A page that fails for a reason other than rate
// limiting or a transient error is recorded and skipped, the fetch moves on
// to the next page when the total page count is known and stops otherwise.
// Skipped pages are kept in the checkpoint together with the cursor, a later
// call fetches them first and only then clears the resource.
//
// The returned error is only ever a context error, in which case the
// entities fetched so far are returned and checkpointed.
func (c *Client) FetchPaginated(ctx context.Context, resource string, perPage int, onPage func(PageInfo)) ([]entity.Entity, error) {
	ctx, span := tracer.Start(ctx, "FetchPaginated")
	defer span.End()
	span.SetAttributes(attribute.String("resource", resource))

	cursor := c.checkpoint.Cursor(resource)
	var items []entity.Entity
	seen := map[string]struct{}{}
	for _, restored := range c.checkpoint.Partial(resource) {
		items = append(items, restored)
		if key := entity.Key(restored); key != "" {
			seen[key] = struct{}{}
		}
	}
	collect := func(page []entity.Entity) {
		for _, e := range page {
			key := entity.Key(e)
			if key != "" {
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
			}
			items = append(items, e)
			c.entities.Add(1)
		}
	}

	skipped := c.checkpoint.FailedPages(resource)
	if cursor > 0 || len(skipped) > 0 {
		c.tel.ReportDebug("resuming resource", resource, cursor, len(items), skipped)
	}

	var failed []int
	saveProgress := func() {
		c.checkpoint.SetCursor(resource, cursor)
		c.checkpoint.SetPartial(resource, items)
		c.checkpoint.SetFailedPages(resource, failed)
	}
	totalPages := 0

	for i, page := range skipped {
		if ctx.Err() != nil {
			failed = append(failed, skipped[i:]...)
			saveProgress()
			return items, ctx.Err()
		}
		p, err := c.fetchPage(ctx, resource, page, perPage)
		if err != nil {
			failed = append(failed, page)
			if ctx.Err() != nil {
				failed = append(failed, skipped[i+1:]...)
				saveProgress()
				return items, ctx.Err()
			}
			c.fail(report_client_fetch_paginated, "%s page %d: %w", resource, page, err)
			continue
		}
		c.pages.Add(1)
		if n, ok := p.TotalPages(); ok {
			totalPages = n
		}
		collect(p.Items())
	}

	stopped := false
	sinceCheckpoint := 0
	for page := cursor + 1; totalPages == 0 || page <= totalPages; page++ {
		if ctx.Err() != nil {
			saveProgress()
			return items, ctx.Err()
		}

		p, err := c.fetchPage(ctx, resource, page, perPage)
		if err != nil {
			if ctx.Err() != nil {
				saveProgress()
				return items, ctx.Err()
			}
			c.fail(report_client_fetch_paginated, "%s page %d: %w", resource, page, err)
			if totalPages > 0 && page < totalPages {
				failed = append(failed, page)
				continue
			}
			stopped = true
			break
		}
		c.pages.Add(1)

		if n, ok := p.TotalPages(); ok {
			totalPages = n
		}
		pageItems := p.Items()
		if len(pageItems) == 0 {
			break
		}
		collect(pageItems)
		cursor = page

		if onPage != nil {
			onPage(PageInfo{
				Resource:   resource,
				Page:       page,
				TotalPages: totalPages,
				Fetched:    len(items),
			})
		}

		sinceCheckpoint++
		if sinceCheckpoint >= c.opts.CheckpointEvery {
			saveProgress()
			sinceCheckpoint = 0
		}

		if !p.HasMore(page) {
			break
		}
	}

	if len(failed) > 0 || stopped {
		saveProgress()
	} else {
		c.checkpoint.ClearResource(resource)
	}
	c.tel.ReportCount(resource, int64(len(items)))
	return items, nil
}

// Stream yields the entities of a paginated resource one at a time, only one
// page is held in memory. A failed page is yielded as an error, if the
// consumer keeps going the stream moves on to the next page when the page
// count is known. Streams are not checkpointed.
func (c *Client) Stream(ctx context.Context, resource string, perPage int) iter.Seq2[entity.Entity, error] {
	return func(yield func(entity.Entity, error) bool) {
		totalPages := 0
		for page := 1; ; page++ {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}

			p, err := c.fetchPage(ctx, resource, page, perPage)
			if err != nil {
				err = fmt.Errorf("%s page %d: %w", resource, page, err)
				if !yield(nil, err) {
					return
				}
				if totalPages > 0 && page < totalPages {
					continue
				}
				return
			}
			c.pages.Add(1)

			if n, ok := p.TotalPages(); ok {
				totalPages = n
			}
			pageItems := p.Items()
			if len(pageItems) == 0 {
				return
			}
			for _, e := range pageItems {
				c.entities.Add(1)
				if !yield(e, nil) {
					return
				}
			}
			if !p.HasMore(page) {
				return
			}
		}
	}
}

// FetchSimple fetches a non-paginated list resource like `orderstatuses`. An
// object without a data array is returned as a single entity.
func (c *Client) FetchSimple(ctx context.Context, resource string) ([]entity.Entity, error) {
	ctx, span := tracer.Start(ctx, "FetchSimple")
	defer span.End()
	span.SetAttributes(attribute.String("resource", resource))

	body, err := c.get(ctx, "/"+resource, nil)
	if err != nil {
		c.fail(report_client_fetch_simple, "%s: %w", resource, err)
		return nil, err
	}

	p, err := decodePage(body)
	if err == nil {
		return p.Items(), nil
	}

	var single entity.Entity
	if decodeJSON(body, &single) != nil || single == nil {
		c.fail(report_client_fetch_simple, "%s: %w", resource, err)
		return nil, err
	}
	return []entity.Entity{single}, nil
}

// FetchObject fetches a resource that answers with a single object, like
// `account`. A `{data: {...}}` envelope is unwrapped.
func (c *Client) FetchObject(ctx context.Context, resource string) (entity.Entity, error) {
	body, err := c.get(ctx, "/"+resource, nil)
	if err != nil {
		c.fail(report_client_fetch_simple, "%s: %w", resource, err)
		return nil, err
	}

	var obj entity.Entity
	err = decodeJSON(body, &obj)
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrUnexpectedShape, err.Error())
		c.fail(report_client_fetch_simple, "%s: %w", resource, err)
		return nil, err
	}
	if inner := entity.Object(obj, "data"); inner != nil {
		return inner, nil
	}
	return obj, nil
}
