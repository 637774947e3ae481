// Package signer produces CloudStack API request signatures.
//
// The scheme is fixed by the remote API: parameter keys are lower-cased,
// values URL-encoded, entries sorted lexicographically by key and joined with
// "&", and the result is HMAC-SHA1 signed with the account secret key. The
// scheme carries no nonce or timestamp, so replay protection is the caller's
// responsibility.
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"
)

var ErrSigning = errors.New("signing failed")

// SignedRequest is a fully signed parameter set ready for the transport
// layer to submit.
type SignedRequest struct {
	Command   string
	Signature string
	// Query is the canonical query string with the url-encoded signature
	// appended as the final "signature" parameter.
	Query string
}

// Sign signs command plus params with secretKey. The command itself is
// carried as the "command" parameter. Identical inputs always produce an
// identical signature.
func Sign(command string, params map[string]string, secretKey string) (SignedRequest, error) {
	if secretKey == "" {
		return SignedRequest{}, fmt.Errorf("%w: secret key is empty", ErrSigning)
	}
	if command == "" {
		return SignedRequest{}, fmt.Errorf("%w: command is empty", ErrSigning)
	}

	merged := make(map[string]string, len(params)+1)
	merged["command"] = command
	for key, value := range params {
		merged[strings.ToLower(key)] = value
	}

	// Sorting happens on the bare keys; sorting assembled "key=value"
	// entries would let a value's leading bytes reorder prefix keys.
	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		value := merged[key]
		if !utf8.ValidString(value) {
			return SignedRequest{}, fmt.Errorf("%w: parameter %q is not valid utf-8", ErrSigning, key)
		}
		entries = append(entries, key+"="+encodeComponent(value))
	}
	canonical := strings.Join(entries, "&")

	mac := hmac.New(sha1.New, []byte(secretKey))
	mac.Write([]byte(canonical))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return SignedRequest{
		Command:   command,
		Signature: signature,
		Query:     canonical + "&signature=" + encodeComponent(signature),
	}, nil
}

// encodeComponent matches the API's expected encoding: query escaping with
// spaces as %20 rather than '+'.
func encodeComponent(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}
