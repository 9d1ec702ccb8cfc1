package printavoapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"printavo-archive/internal/components/telemetry"
	"printavo-archive/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCheckpoint struct {
	mutex      sync.Mutex
	cursors    map[string]int
	partial    map[string][]map[string]any
	failed     map[string][]int
	completed  map[string]map[string]bool
	cursorLog  []int
	clearedLog []string
}

func newMemCheckpoint() *memCheckpoint {
	return &memCheckpoint{
		cursors:   map[string]int{},
		partial:   map[string][]map[string]any{},
		failed:    map[string][]int{},
		completed: map[string]map[string]bool{},
	}
}

func (m *memCheckpoint) Cursor(resource string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.cursors[resource]
}

func (m *memCheckpoint) Partial(resource string) []map[string]any {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.partial[resource]
}

func (m *memCheckpoint) SetCursor(resource string, page int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.cursors[resource] = page
	m.cursorLog = append(m.cursorLog, page)
}

func (m *memCheckpoint) SetPartial(resource string, items []map[string]any) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.partial[resource] = append([]map[string]any(nil), items...)
}

func (m *memCheckpoint) FailedPages(resource string) []int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.failed[resource]
}

func (m *memCheckpoint) SetFailedPages(resource string, pages []int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failed[resource] = append([]int(nil), pages...)
}

func (m *memCheckpoint) ClearResource(resource string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.cursors, resource)
	delete(m.partial, resource)
	delete(m.failed, resource)
	m.clearedLog = append(m.clearedLog, resource)
}

func (m *memCheckpoint) IsComplete(scope, id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.completed[scope][id]
}

func (m *memCheckpoint) MarkComplete(scope, id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.completed[scope] == nil {
		m.completed[scope] = map[string]bool{}
	}
	m.completed[scope][id] = true
}

// fakeAPI serves canned bodies keyed by "<path>?page=<n>", or by path alone
// for unpaginated resources. A status in statuses overrides the body for as
// many requests as it lists.
type fakeAPI struct {
	t        *testing.T
	mutex    sync.Mutex
	bodies   map[string]string
	statuses map[string][]int
	requests []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	return &fakeAPI{t: t, bodies: map[string]string{}, statuses: map[string][]int{}}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "user@example.com", r.URL.Query().Get("email"))
	assert.Equal(f.t, "secret", r.URL.Query().Get("token"))

	key := r.URL.Path
	if page := r.URL.Query().Get("page"); page != "" {
		key += "?page=" + page
	}

	f.mutex.Lock()
	f.requests = append(f.requests, key)
	var status int
	if pending := f.statuses[key]; len(pending) > 0 {
		status = pending[0]
		f.statuses[key] = pending[1:]
	}
	body, ok := f.bodies[key]
	f.mutex.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("content-type", "application/json")
	fmt.Fprint(w, body)
}

func (f *fakeAPI) requested() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.requests...)
}

func newTestClient(t *testing.T, api *fakeAPI, cp Checkpointer) (*Client, *telemetry.Recorder) {
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	tel := telemetry.NewRecorder()
	client := NewClient(Options{
		BaseURL:          srv.URL,
		Email:            "user@example.com",
		Token:            "secret",
		Delay:            time.Millisecond,
		RateLimitBackoff: time.Millisecond,
		TransientBackoff: time.Millisecond,
		Timeout:          5 * time.Second,
		Checkpoint:       cp,
	}, tel)
	return client, tel
}

// pageBody renders a wrapped page of entities with the given ids.
func pageBody(totalPages int, ids ...int) string {
	items := make([]string, len(ids))
	for i, id := range ids {
		items[i] = fmt.Sprintf(`{"id":%d,"visual_id":"V%d"}`, id, id)
	}
	return fmt.Sprintf(`{"data":[%s],"meta":{"total_pages":%d}}`, strings.Join(items, ","), totalPages)
}

func keys(items []entity.Entity) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = entity.Key(e)
	}
	return out
}

func TestFetchPaginatedTwoPages(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/orders?page=1"] = `{"data":[{"id":1},{"id":2},{"id":3}],"meta":{"total_pages":2,"total_count":5}}`
	api.bodies["/orders?page=2"] = `{"data":[{"id":4},{"id":5}],"meta":{"total_pages":2}}`
	client, tel := newTestClient(t, api, nil)

	var progress []PageInfo
	items, err := client.FetchPaginated(context.Background(), "orders", 25, func(p PageInfo) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, keys(items))
	require.Equal(t, []string{"/orders?page=1", "/orders?page=2"}, api.requested())
	require.Equal(t, []PageInfo{
		{Resource: "orders", Page: 1, TotalPages: 2, Fetched: 3},
		{Resource: "orders", Page: 2, TotalPages: 2, Fetched: 5},
	}, progress)

	stats := client.Stats()
	require.EqualValues(t, 2, stats.Requests)
	require.EqualValues(t, 2, stats.Pages)
	require.EqualValues(t, 5, stats.Entities)
	require.Zero(t, stats.Errors)
	require.EqualValues(t, 5, tel.Counts["printavo_api: orders"])
}

func TestFetchPaginatedBareArray(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/products?page=1"] = `[{"id":1},{"id":2}]`
	client, _ := newTestClient(t, api, nil)

	items, err := client.FetchPaginated(context.Background(), "products", 25, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Len(t, api.requested(), 1)
}

func TestFetchPaginatedStopsOnEmptyPage(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/customers?page=1"] = pageBody(9, 1, 2)
	api.bodies["/customers?page=2"] = pageBody(9)
	client, _ := newTestClient(t, api, nil)

	items, err := client.FetchPaginated(context.Background(), "customers", 2, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Len(t, api.requested(), 2)
}

func TestFetchPaginatedDeduplicates(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/orders?page=1"] = pageBody(2, 1, 2)
	api.bodies["/orders?page=2"] = pageBody(2, 2, 3)
	client, _ := newTestClient(t, api, nil)

	items, err := client.FetchPaginated(context.Background(), "orders", 2, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, keys(items))
}

func TestFetchPaginatedRetriesRateLimit(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/orders?page=1"] = pageBody(1, 1)
	api.statuses["/orders?page=1"] = []int{http.StatusTooManyRequests}
	client, _ := newTestClient(t, api, nil)

	items, err := client.FetchPaginated(context.Background(), "orders", 25, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)

	stats := client.Stats()
	require.EqualValues(t, 2, stats.Requests)
	require.EqualValues(t, 1, stats.Retries)
	require.EqualValues(t, 1, stats.RateLimited)
	require.Zero(t, stats.Errors)
}

func TestFetchPaginatedGivesUpOnRateLimit(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/orders?page=1"] = pageBody(1, 1)
	api.statuses["/orders?page=1"] = []int{429, 429, 429}
	client, tel := newTestClient(t, api, nil)

	items, err := client.FetchPaginated(context.Background(), "orders", 25, nil)
	require.NoError(t, err)
	require.Empty(t, items)
	require.Len(t, api.requested(), 3)

	stats := client.Stats()
	require.EqualValues(t, 1, stats.Errors)
	require.Len(t, stats.RecentErrors, 1)
	require.Contains(t, stats.RecentErrors[0], "orders page 1")
	require.Len(t, tel.Find("broken", report_client_fetch_paginated), 1)
}

func TestFetchPaginatedSkipsFailedPage(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/orders?page=1"] = pageBody(3, 1, 2)
	api.statuses["/orders?page=2"] = []int{http.StatusInternalServerError}
	api.bodies["/orders?page=3"] = pageBody(3, 5, 6)
	client, _ := newTestClient(t, api, nil)

	items, err := client.FetchPaginated(context.Background(), "orders", 2, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "5", "6"}, keys(items))
	// a 500 is not retried
	require.Equal(t, []string{"/orders?page=1", "/orders?page=2", "/orders?page=3"}, api.requested())
	require.EqualValues(t, 1, client.Stats().Errors)
}

func TestFetchPaginatedRefetchesSkippedPages(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/orders?page=1"] = pageBody(3, 1, 2)
	api.bodies["/orders?page=2"] = pageBody(3, 3, 4)
	api.statuses["/orders?page=2"] = []int{http.StatusInternalServerError}
	api.bodies["/orders?page=3"] = pageBody(3, 5, 6)
	cp := newMemCheckpoint()
	client, _ := newTestClient(t, api, cp)
	ctx := context.Background()

	items, err := client.FetchPaginated(ctx, "orders", 2, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "5", "6"}, keys(items))
	// the cursor went past page 2, the gap is remembered instead
	require.Equal(t, 3, cp.Cursor("orders"))
	require.Equal(t, []int{2}, cp.FailedPages("orders"))
	require.Len(t, cp.Partial("orders"), 4)
	require.Empty(t, cp.clearedLog)

	resumed, _ := newTestClient(t, api, cp)
	before := len(api.requested())
	items, err = resumed.FetchPaginated(ctx, "orders", 2, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "5", "6", "3", "4"}, keys(items))
	require.Equal(t, []string{"/orders?page=2"}, api.requested()[before:])
	require.Equal(t, []string{"orders"}, cp.clearedLog)
	require.Empty(t, cp.FailedPages("orders"))
	require.Zero(t, resumed.Stats().Errors)
}

func TestFetchPaginatedUnexpectedShapeIsWarning(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/orders?page=1"] = pageBody(2, 1)
	api.bodies["/orders?page=2"] = `{"error":"maintenance"}`
	client, tel := newTestClient(t, api, nil)

	items, err := client.FetchPaginated(context.Background(), "orders", 1, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, tel.Find("warning", report_client_fetch_paginated), 1)
	require.Empty(t, tel.Find("broken", report_client_fetch_paginated))
}

func TestFetchPaginatedCheckpoints(t *testing.T) {
	api := newFakeAPI(t)
	for page := 1; page <= 5; page++ {
		api.bodies["/orders?page="+strconv.Itoa(page)] = pageBody(5, page)
	}
	cp := newMemCheckpoint()
	client, _ := newTestClient(t, api, cp)
	client.opts.CheckpointEvery = 2

	items, err := client.FetchPaginated(context.Background(), "orders", 1, nil)
	require.NoError(t, err)
	require.Len(t, items, 5)
	require.Equal(t, []int{2, 4}, cp.cursorLog)
	require.Equal(t, []string{"orders"}, cp.clearedLog)
	require.Zero(t, cp.Cursor("orders"))
}

func TestFetchPaginatedResumes(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/orders?page=3"] = pageBody(4, 5, 6)
	api.bodies["/orders?page=4"] = pageBody(4, 7, 2)

	cp := newMemCheckpoint()
	cp.cursors["orders"] = 2
	// as read back from the checkpoint file
	cp.partial["orders"] = []map[string]any{{"id": float64(1)}, {"id": float64(2)}}
	client, _ := newTestClient(t, api, cp)

	items, err := client.FetchPaginated(context.Background(), "orders", 2, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "5", "6", "7"}, keys(items))
	require.Equal(t, []string{"/orders?page=3", "/orders?page=4"}, api.requested())
}

func TestFetchPaginatedCancelSavesProgress(t *testing.T) {
	api := newFakeAPI(t)
	for page := 1; page <= 4; page++ {
		api.bodies["/orders?page="+strconv.Itoa(page)] = pageBody(4, page)
	}
	cp := newMemCheckpoint()
	client, _ := newTestClient(t, api, cp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	items, err := client.FetchPaginated(ctx, "orders", 1, func(p PageInfo) {
		if p.Page == 2 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, items, 2)
	require.Equal(t, 2, cp.Cursor("orders"))
	require.Len(t, cp.Partial("orders"), 2)
	require.Empty(t, cp.clearedLog)
}

func TestStream(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/customers?page=1"] = pageBody(3, 1, 2)
	api.bodies["/customers?page=2"] = pageBody(3, 3, 4)
	api.bodies["/customers?page=3"] = pageBody(3, 5, 6)
	client, _ := newTestClient(t, api, nil)

	var seen []string
	for e, err := range client.Stream(context.Background(), "customers", 2) {
		require.NoError(t, err)
		seen = append(seen, entity.Key(e))
		if len(seen) == 3 {
			break
		}
	}
	require.Equal(t, []string{"1", "2", "3"}, seen)
	require.Len(t, api.requested(), 2)
}

func TestStreamYieldsPageErrors(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/customers?page=1"] = pageBody(3, 1)
	api.statuses["/customers?page=2"] = []int{http.StatusInternalServerError}
	api.bodies["/customers?page=3"] = pageBody(3, 3)
	client, _ := newTestClient(t, api, nil)

	var seen []string
	var errs int
	for e, err := range client.Stream(context.Background(), "customers", 1) {
		if err != nil {
			errs++
			continue
		}
		seen = append(seen, entity.Key(e))
	}
	require.Equal(t, []string{"1", "3"}, seen)
	require.Equal(t, 1, errs)
}

func TestFetchSimple(t *testing.T) {
	api := newFakeAPI(t)
	api.bodies["/orderstatuses"] = `{"data":[{"id":1,"name":"Quote"},{"id":2,"name":"Done"}]}`
	api.bodies["/categories"] = `[{"id":3}]`
	api.bodies["/payment_terms"] = `{"id":4,"name":"Net 30"}`
	api.bodies["/account"] = `{"data":{"id":9,"company_name":"Shop"}}`
	client, _ := newTestClient(t, api, nil)
	ctx := context.Background()

	statuses, err := client.FetchSimple(ctx, "orderstatuses")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	categories, err := client.FetchSimple(ctx, "categories")
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, keys(categories))

	terms, err := client.FetchSimple(ctx, "payment_terms")
	require.NoError(t, err)
	require.Len(t, terms, 1)
	require.Equal(t, "Net 30", entity.Str(terms[0], "name"))

	account, err := client.FetchObject(ctx, "account")
	require.NoError(t, err)
	require.Equal(t, "Shop", entity.Str(account, "company_name"))

	_, err = client.FetchSimple(ctx, "missing")
	require.Error(t, err)
	require.EqualValues(t, 1, client.Stats().Errors)
}

func TestExtractLineItems(t *testing.T) {
	orders := []entity.Entity{
		{
			"id":        float64(10),
			"visual_id": "1001",
			"lineitems_attributes": []any{
				map[string]any{"id": float64(1), "style_description": "Tee"},
				map[string]any{"id": float64(2)},
			},
		},
		{"id": float64(11), "visual_id": "1002"},
	}

	items := ExtractLineItems(orders)
	require.Len(t, items, 2)
	require.Equal(t, int64(10), items[0]["order_id"])
	require.Equal(t, "1001", items[0]["order_visual_id"])
	require.Equal(t, "Tee", items[0]["style_description"])
	// the order itself is left untouched
	_, stamped := entity.List(orders[0], "lineitems_attributes")[0]["order_id"]
	require.False(t, stamped)
}

func TestExtractOrderDetails(t *testing.T) {
	api := newFakeAPI(t)
	for _, id := range []int{2, 3} {
		for _, sub := range OrderSubResources {
			api.bodies[fmt.Sprintf("/orders/%d/%s", id, sub)] = `[]`
		}
		api.bodies[fmt.Sprintf("/orders/%d/tasks", id)] = fmt.Sprintf(`{"data":[{"id":%d00}]}`, id)
	}
	api.statuses["/orders/2/fees"] = []int{http.StatusInternalServerError}

	cp := newMemCheckpoint()
	cp.MarkComplete(scopeOrderDetails, "1")
	cp.partial[partialKey("tasks")] = []map[string]any{
		{"order_id": "1", "items": []any{map[string]any{"id": float64(100)}}},
	}
	client, tel := newTestClient(t, api, cp)

	orders := []entity.Entity{{"id": float64(1)}, {"id": float64(2)}, {"id": float64(3)}, {"visual_id": "no id"}}
	var done []int
	details, err := client.ExtractOrderDetails(context.Background(), orders, func(d, total int) {
		require.Equal(t, 4, total)
		done = append(done, d)
	})
	require.NoError(t, err)

	require.Len(t, api.requested(), 2*len(OrderSubResources))
	require.Equal(t, []int{2, 3}, done)
	require.Equal(t, 3, details.Count("tasks"))
	require.Equal(t, []string{"100"}, keys(details["tasks"]["1"]))
	require.Equal(t, []string{"300"}, keys(details["tasks"]["3"]))
	require.Zero(t, details.Count("fees"))
	// the failed fees request keeps order 2 open
	require.False(t, cp.IsComplete(scopeOrderDetails, "2"))
	require.True(t, cp.IsComplete(scopeOrderDetails, "3"))
	require.Len(t, cp.Partial(partialKey("tasks")), 3)
	require.Len(t, tel.Find("broken", report_client_order_details), 1)

	// a resumed run only goes back for order 2
	api.bodies["/orders/2/fees"] = `[{"id":21}]`
	resumed, _ := newTestClient(t, api, cp)
	before := len(api.requested())
	details, err = resumed.ExtractOrderDetails(context.Background(), orders, nil)
	require.NoError(t, err)
	require.Len(t, api.requested(), before+len(OrderSubResources))
	require.True(t, cp.IsComplete(scopeOrderDetails, "2"))
	require.Equal(t, []string{"21"}, keys(details["fees"]["2"]))
	require.Equal(t, []string{"300"}, keys(details["tasks"]["3"]))
	require.Equal(t, 3, details.Count("tasks"))
	require.Zero(t, resumed.Stats().Errors)

	client.ForgetOrderDetails()
	require.Empty(t, cp.Partial(partialKey("tasks")))
}
