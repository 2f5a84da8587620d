package nip46

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/tidwall/gjson"
)

// Request is the decrypted content of a kind 24133 event sent by a client.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

func (r Request) String() string {
	j, _ := json.Marshal(r)
	return string(j)
}

// Response is the answer to exactly one Request. It is an error response when Error
// is set, otherwise Result is sent even when empty.
type Response struct {
	ID           string `json:"id"`
	ClientPubKey string `json:"-"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

func Success(id, clientPubKey, result string) Response {
	return Response{ID: id, ClientPubKey: clientPubKey, Result: result}
}

func Failure(id, clientPubKey, message string) Response {
	if message == "" {
		message = "unknown error"
	}
	return Response{ID: id, ClientPubKey: clientPubKey, Error: message}
}

func (r Response) IsError() bool { return r.Error != "" }

func (r Response) String() string { return string(Encode(r)) }

// RelayReadWrite is the value type of the get_relays result map.
type RelayReadWrite struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// ParseError is returned by Decode for a payload that is not a valid request.
// ID is set when it could still be read from the payload, in which case the error
// should be sent back to the client.
type ParseError struct {
	ID     string
	Reason string
}

func (e *ParseError) Error() string {
	if e.ID == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request '%s': %s", e.ID, e.Reason)
}

// Recoverable reports whether the client can be told about this error.
func (e *ParseError) Recoverable() bool { return e.ID != "" }

// Decode parses the plaintext of a request sent by clientPubKey.
func Decode(clientPubKey string, plaintext []byte) (Method, *ParseError) {
	var req Request
	if err := json.Unmarshal(plaintext, &req); err != nil {
		// try to at least get the id so the client gets an answer
		id := gjson.GetBytes(plaintext, "id")
		perr := &ParseError{Reason: "malformed json"}
		if id.Type == gjson.String {
			perr.ID = id.Str
		}
		return nil, perr
	}

	if req.ID == "" {
		return nil, &ParseError{Reason: "missing id"}
	}

	meta := Meta{ID: req.ID, ClientPubKey: clientPubKey}
	fail := func(format string, args ...any) (Method, *ParseError) {
		return nil, &ParseError{ID: req.ID, Reason: fmt.Sprintf(format, args...)}
	}

	switch req.Method {
	case MethodConnect:
		if len(req.Params) < 1 || len(req.Params) > 3 {
			return fail("wrong number of arguments to '%s'", req.Method)
		}
		if !nostr.IsValidPublicKey(req.Params[0]) {
			return fail("first argument to '%s' is not a pubkey string", req.Method)
		}
		m := Connect{Meta: meta, RemoteSignerPubKey: req.Params[0]}
		if len(req.Params) >= 2 {
			m.Secret = req.Params[1]
		}
		if len(req.Params) == 3 {
			m.RequestedPermissions = ParsePermissions(req.Params[2])
		}
		return m, nil

	case MethodSignEvent:
		if len(req.Params) != 1 {
			return fail("wrong number of arguments to '%s'", req.Method)
		}
		raw := req.Params[0]
		if !gjson.Valid(raw) || !gjson.Get(raw, "kind").Exists() || !gjson.Get(raw, "created_at").Exists() {
			return fail("argument to '%s' is not an unsigned event", req.Method)
		}
		m := SignEvent{Meta: meta}
		if err := easyjson.Unmarshal([]byte(raw), &m.Event); err != nil {
			return fail("failed to decode event: %s", err)
		}
		if m.Event.Kind < 0 || m.Event.Kind > 65535 {
			return fail("invalid kind %d", m.Event.Kind)
		}
		return m, nil

	case MethodPing:
		return Ping{meta}, nil
	case MethodGetPublicKey:
		return GetPublicKey{meta}, nil
	case MethodGetRelays:
		return GetRelays{meta}, nil
	case MethodSwitchRelays:
		return SwitchRelays{meta}, nil

	case MethodNip04Encrypt, MethodNip04Decrypt, MethodNip44Encrypt, MethodNip44Decrypt:
		if len(req.Params) != 2 {
			return fail("wrong number of arguments to '%s'", req.Method)
		}
		pk := req.Params[0]
		if !nostr.IsValidPublicKey(pk) {
			return fail("first argument to '%s' is not a pubkey string", req.Method)
		}
		text := req.Params[1]
		switch req.Method {
		case MethodNip04Encrypt:
			return Nip04Encrypt{meta, pk, text}, nil
		case MethodNip04Decrypt:
			return Nip04Decrypt{meta, pk, text}, nil
		case MethodNip44Encrypt:
			return Nip44Encrypt{meta, pk, text}, nil
		default:
			return Nip44Decrypt{meta, pk, text}, nil
		}

	case "":
		return fail("missing method")
	default:
		return fail("unknown method '%s'", req.Method)
	}
}

// Encode serializes a response as {"id":...,"result":...} or {"id":...,"error":...}.
func Encode(resp Response) []byte {
	w := jwriter.Writer{}
	w.RawString(`{"id":`)
	w.String(resp.ID)
	if resp.IsError() {
		w.RawString(`,"error":`)
		w.String(resp.Error)
	} else {
		w.RawString(`,"result":`)
		w.String(resp.Result)
	}
	w.RawByte('}')
	b, _ := w.BuildBytes()
	return b
}

// DecodeResponse parses the plaintext of a response received from a bunker.
func DecodeResponse(plaintext []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		return resp, fmt.Errorf("invalid response: %w", err)
	}
	if resp.ID == "" {
		return resp, fmt.Errorf("response without id")
	}
	return resp, nil
}

// EncodeRequest serializes a request the way clients send it.
func EncodeRequest(id string, method string, params ...string) []byte {
	if params == nil {
		params = []string{}
	}
	j, _ := json.Marshal(Request{ID: id, Method: method, Params: params})
	return j
}

func trimList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
