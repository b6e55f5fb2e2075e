package model

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// TokenResponse is the body returned by a successful access-token exchange.
// The JWKS URL points at the key set a downstream service should verify
// the token against.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	JWKSURL     string `json:"jwks_url"`
}
