package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// pageSize is spec.md §4.7's "up to 100 per page" for list endpoints.
const pageSize = 100

// signCursor produces an opaque, tamper-evident pagination cursor
// carrying an item offset into an ordered list (spec.md §4.7: "opaque,
// signed cursor"). secret is the Dispatcher's configured signing key; a
// nil/empty secret still produces a well-formed cursor, just one an
// attacker could forge — Router wiring is expected to set a real secret
// in production.
func signCursor(secret []byte, offset int) string {
	payload := strconv.Itoa(offset)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + sig
}

// verifyCursor validates and decodes a cursor produced by signCursor. An
// empty cursor means "start from the beginning" (offset 0, ok=true).
func verifyCursor(secret []byte, cursor string) (offset int, ok bool) {
	if cursor == "" {
		return 0, true
	}
	parts := strings.SplitN(cursor, ".", 2)
	if len(parts) != 2 {
		return 0, false
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return 0, false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payloadRaw)
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return 0, false
	}
	n, err := strconv.Atoi(string(payloadRaw))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// paginate slices items into a page of at most pageSize starting at the
// cursor's offset, returning the next cursor (empty string if exhausted).
func paginate[T any](secret []byte, items []T, cursor string) (page []T, nextCursor string, err error) {
	offset, ok := verifyCursor(secret, cursor)
	if !ok {
		return nil, "", fmt.Errorf("invalid cursor")
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + pageSize
	if end > len(items) {
		end = len(items)
	}
	page = items[offset:end]
	if end < len(items) {
		nextCursor = signCursor(secret, end)
	}
	return page, nextCursor, nil
}
