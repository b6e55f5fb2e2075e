package handler

import (
	"encoding/json"
	"net/http"

	"github.com/shopfed/authcore/internal/keystore"
)

// JWKSHandler publishes the verification keys as an RFC 7517 key set.
// Only the public backend is ever read; secret key material has no path
// into this handler.
type JWKSHandler struct {
	public keystore.Backend
}

func NewJWKSHandler(public keystore.Backend) *JWKSHandler {
	return &JWKSHandler{public: public}
}

// jwk is one published verification key.
type jwk struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// ServeKeySet streams the key set one key at a time, so the response size
// stays flat regardless of how many keys the backend holds.
// GET /jwks
func (h *JWKSHandler) ServeKeySet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if _, err := w.Write([]byte(`{"keys":[`)); err != nil {
		return
	}
	first := true
	err := h.public.Items([]string{"kty", "alg", "n", "e"}, func(kid string, rec keystore.Record) error {
		entry, err := json.Marshal(jwk{
			Kty: rec["kty"],
			Alg: rec["alg"],
			Use: "sig",
			Kid: kid,
			N:   rec["n"],
			E:   rec["e"],
		})
		if err != nil {
			return err
		}
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		_, err = w.Write(entry)
		return err
	})
	if err != nil {
		// Headers are already out; truncate the body so the client sees a
		// malformed document instead of a silently short key set.
		return
	}
	w.Write([]byte("]}"))
}
