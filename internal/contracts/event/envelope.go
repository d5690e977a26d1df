package event

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// HTTPRequest is the envelope published for every proxied HTTP request.
// Backend workers parse it by field name, so the msgpack keys below are
// frozen; renaming one is a wire-contract break.
type HTTPRequest struct {
	Type        string            `msgpack:"type"` // matched route template, colon params
	AccessToken string            `msgpack:"access_token"`
	Method      string            `msgpack:"method"`
	UserValues  map[string]string `msgpack:"user_values"`
	URI         URI               `msgpack:"uri"`
	Body        []byte            `msgpack:"body"`
	ClientIP    string            `msgpack:"client_ip"`
}

// URI carries the request target split into its raw components. Byte fields
// stay bytes on the wire (msgpack bin family) so non-UTF-8 paths and query
// values survive the trip.
type URI struct {
	PathOriginal []byte            `msgpack:"path_original"`
	Scheme       []byte            `msgpack:"scheme"`
	Path         []byte            `msgpack:"path"`
	QueryString  []byte            `msgpack:"query_string"`
	Host         []byte            `msgpack:"host"`
	Hash         []byte            `msgpack:"hash"`
	Args         map[string][]byte `msgpack:"args"`
}

// Encode serializes the envelope in msgpack map form.
func (r *HTTPRequest) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request envelope: %w", err)
	}
	return b, nil
}
