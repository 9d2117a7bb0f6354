package models

import "net/http"

// Request is a transport-level HTTP call. URL may be relative to the upstream base.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

// Response is a fully buffered upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}
