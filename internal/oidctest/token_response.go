package oidctest

// TokenResponse is the token endpoint body (RFC 6749 section 5.1) the fake provider
// answers code and refresh grants with. Nil fields are left out of the JSON.
type TokenResponse struct {
	AccessToken *string `json:"access_token,omitempty"`

	// IDToken is only issued when the openid scope applies, which is always here
	IDToken *string `json:"id_token,omitempty"`

	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is a hint in seconds; zero omits it so clients fall back to the JWT exp
	ExpiresIn int `json:"expires_in,omitempty"`

	// RefreshToken rotates on every refresh grant
	RefreshToken *string `json:"refresh_token,omitempty"`

	Scope string `json:"scope,omitempty"`
}
