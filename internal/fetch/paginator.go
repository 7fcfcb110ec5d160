package fetch

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
)

// =============================================================================
// PAGINATION
// =============================================================================

// Paginator builds the request sequence for walking a source API.
type Paginator interface {
	// FirstPage returns the initial request.
	FirstPage() *Request

	// NextPage returns the request for the page after resp, or nil
	// when the walk is complete.
	NextPage(resp *Response) (*Request, error)
}

// PagePaginator walks page-numbered APIs (page=N&per_page=M) until a
// page comes back empty. Matches the common REST activity-feed shape.
type PagePaginator struct {
	Path     string
	PerPage  int
	Page     int        // 1-based; zero means start at 1
	Extra    url.Values // carried on every page (e.g. "after" cursor)
	PageKey  string     // query param name (default: "page")
	LimitKey string     // query param name (default: "per_page")
}

// NewPagePaginator creates a page-number paginator starting at page 1.
// The extra values are attached to every page request.
func NewPagePaginator(path string, perPage int, extra url.Values) *PagePaginator {
	return &PagePaginator{
		Path:     path,
		PerPage:  perPage,
		Page:     1,
		Extra:    extra,
		PageKey:  "page",
		LimitKey: "per_page",
	}
}

// FirstPage returns the request for the current page.
func (p *PagePaginator) FirstPage() *Request {
	if p.Page == 0 {
		p.Page = 1
	}
	query := url.Values{}
	for k, vs := range p.Extra {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	query.Set(p.PageKey, strconv.Itoa(p.Page))
	query.Set(p.LimitKey, strconv.Itoa(p.PerPage))
	return &Request{
		Method: http.MethodGet,
		Path:   p.Path,
		Query:  query,
	}
}

// NextPage advances to the following page, or ends the walk when the
// response held no elements.
func (p *PagePaginator) NextPage(resp *Response) (*Request, error) {
	n, err := elementCount(resp.Body)
	if err != nil {
		return nil, err
	}
	if n == 0 || (p.PerPage > 0 && n < p.PerPage) {
		return nil, nil
	}
	p.Page++
	return p.FirstPage(), nil
}

// SinglePage fetches exactly one request and stops. Used for singleton
// resources such as a profile endpoint.
type SinglePage struct {
	Path  string
	Extra url.Values

	served bool
}

// FirstPage returns the one request of the walk.
func (p *SinglePage) FirstPage() *Request {
	p.served = true
	return &Request{
		Method: http.MethodGet,
		Path:   p.Path,
		Query:  p.Extra,
	}
}

// NextPage always ends the walk.
func (p *SinglePage) NextPage(resp *Response) (*Request, error) {
	return nil, nil
}

// elementCount reports how many records a page body carries: the array
// length for array bodies, 1 for a non-empty object, 0 for null/empty.
func elementCount(body []byte) (int, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return len(arr), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return 0, err
	}
	if len(obj) == 0 {
		return 0, nil
	}
	return 1, nil
}
