package config

import "github.com/spf13/viper"

const (
	issuerKey            = "oidc.issuer"
	clientIDKey          = "oidc.client_id"
	clientSecretKey      = "oidc.client_secret"
	redirectURIKey       = "oidc.redirect_uri"
	postLogoutURIKey     = "oidc.post_logout_redirect_uri"
	silentRedirectURIKey = "oidc.silent_redirect_uri"
	scopesKey            = "oidc.scopes"
	usePKCEKey           = "oidc.use_pkce"
	silentRenewKey       = "oidc.silent_renew"
	loadUserInfoKey      = "oidc.load_userinfo"
	skipVerifyKey        = "oidc.skip_id_token_verify"
)

// Callback routes served by the agent. Redirect URIs default to these under the base URL.
const (
	RouteCallback            = "/callback"
	RouteSilentRenewCallback = "/silent-renew/callback"
	RouteLoggedOut           = "/logged-out"
)

// OIDCConfig is the static input consumed by the protocol client.
type OIDCConfig interface {
	GetIssuerURL() string
	GetClientID() string
	GetClientSecret() string
	GetRedirectURI() string
	GetPostLogoutRedirectURI() string
	GetSilentRedirectURI() string
	GetScopes() []string
	GetUsePKCE() bool
	GetSilentRenewEnabled() bool
	GetLoadUserInfo() bool
	GetSkipIDTokenVerify() bool
}

type OIDC struct {
	v *viper.Viper
}

var _ OIDCConfig = OIDC{}

func (o OIDC) GetIssuerURL() string    { return o.v.GetString(issuerKey) }
func (o OIDC) GetClientID() string     { return o.v.GetString(clientIDKey) }
func (o OIDC) GetClientSecret() string { return o.v.GetString(clientSecretKey) }

func (o OIDC) GetRedirectURI() string {
	return o.withDefault(redirectURIKey, RouteCallback)
}

func (o OIDC) GetPostLogoutRedirectURI() string {
	return o.withDefault(postLogoutURIKey, RouteLoggedOut)
}

func (o OIDC) GetSilentRedirectURI() string {
	return o.withDefault(silentRedirectURIKey, RouteSilentRenewCallback)
}

func (o OIDC) GetScopes() []string         { return o.v.GetStringSlice(scopesKey) }
func (o OIDC) GetUsePKCE() bool            { return o.v.GetBool(usePKCEKey) }
func (o OIDC) GetSilentRenewEnabled() bool { return o.v.GetBool(silentRenewKey) }
func (o OIDC) GetLoadUserInfo() bool       { return o.v.GetBool(loadUserInfoKey) }
func (o OIDC) GetSkipIDTokenVerify() bool  { return o.v.GetBool(skipVerifyKey) }

func (o OIDC) withDefault(key, route string) string {
	if uri := o.v.GetString(key); uri != "" {
		return uri
	}
	return EnvVars{v: o.v}.GetBaseURL() + route
}
