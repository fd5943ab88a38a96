package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"querymeta/internal/domain"
)

// pageFromQuery reads max_results and page_token.
func pageFromQuery(r *http.Request) (domain.PageRequest, error) {
	q := r.URL.Query()
	p := domain.PageRequest{PageToken: q.Get("page_token")}
	if _, err := domain.DecodePageToken(p.PageToken); err != nil {
		return p, err
	}
	if s := q.Get("max_results"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, domain.ErrValidation("invalid max_results %q", s)
		}
		p.MaxResults = n
	}
	return p, nil
}

func objectIDParam(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	id, err := domain.StringToObjectID(raw)
	if err != nil {
		return 0, domain.ErrValidation("invalid %s %q", name, raw)
	}
	return id, nil
}

func optionalTime(r *http.Request, name string) (*time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, domain.ErrValidation("invalid %s %q: expected RFC 3339", name, s)
	}
	return &t, nil
}

// historyFilterFromQuery builds the archive filter from query parameters.
func historyFilterFromQuery(r *http.Request) (domain.QueryHistoryFilter, error) {
	var (
		f   domain.QueryHistoryFilter
		err error
	)
	q := r.URL.Query()
	if f.Page, err = pageFromQuery(r); err != nil {
		return f, err
	}
	if s := q.Get("run_id"); s != "" {
		f.RunID = &s
	}
	if s := q.Get("connection_id"); s != "" {
		id, err := domain.StringToObjectID(s)
		if err != nil {
			return f, domain.ErrValidation("invalid connection_id %q", s)
		}
		f.ConnectionID = &id
	}
	if s := q.Get("status"); s != "" {
		if !domain.ValidStatus(s) {
			return f, domain.ErrValidation("invalid status %q", s)
		}
		f.Status = &s
	}
	if f.From, err = optionalTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = optionalTime(r, "to"); err != nil {
		return f, err
	}
	return f, nil
}
