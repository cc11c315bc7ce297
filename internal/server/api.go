package server

import "github.com/aalhour/segdb"

// PutResponse is returned by PUT /v1/records.
type PutResponse struct {
	Address segdb.Address `json:"address"`
}

// DeleteResponse is returned by DELETE /v1/keys/{key}.
type DeleteResponse struct {
	Address segdb.Address `json:"address"`
}

// Entry is one result of a scan. Keys and payloads travel as base64.
type Entry struct {
	Key     []byte `json:"key"`
	Payload []byte `json:"payload"`
}

// ScanResponse is returned by GET /v1/keys and GET /v1/indexes/{index}/keys.
type ScanResponse struct {
	Entries []Entry `json:"entries"`

	// More is set when the limit cut the scan short.
	More bool `json:"more"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
