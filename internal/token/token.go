package token

// Token is a JWT under construction: header and payload maps plus the
// cached encoded form. Encoding is idempotent: signing an unmodified token
// returns the previously encoded string unchanged.
type Token struct {
	header  map[string]any
	payload map[string]any
	raw     string
	dirty   bool
}

// New returns an empty token with the standard JWT type header.
func New() *Token {
	return &Token{
		header:  map[string]any{"typ": "JWT"},
		payload: map[string]any{},
		dirty:   true,
	}
}

// Set stores a payload claim and invalidates the cached encoding.
func (t *Token) Set(key string, v any) {
	t.payload[key] = v
	t.dirty = true
}

// Claim returns a payload claim.
func (t *Token) Claim(key string) (any, bool) {
	v, ok := t.payload[key]
	return v, ok
}

// SetHeader stores a header parameter and invalidates the cached encoding.
// Setting "kid" pins the signing key.
func (t *Token) SetHeader(key string, v any) {
	t.header[key] = v
	t.dirty = true
}

// Header returns a header parameter.
func (t *Token) Header(key string) (any, bool) {
	v, ok := t.header[key]
	return v, ok
}

// SetDefaults applies header and payload values only where the key is
// absent; present values are never overwritten.
func (t *Token) SetDefaults(header, payload map[string]any) {
	for k, v := range header {
		if _, ok := t.header[k]; !ok {
			t.header[k] = v
			t.dirty = true
		}
	}
	for k, v := range payload {
		if _, ok := t.payload[k]; !ok {
			t.payload[k] = v
			t.dirty = true
		}
	}
}

// Encoded returns the cached encoded form, empty until signed.
func (t *Token) Encoded() string { return t.raw }

// Modified reports whether the token changed since it was last signed.
func (t *Token) Modified() bool { return t.dirty }
