package app

import (
	"github.com/trananhvu/authgate/internal/auth"
	"github.com/trananhvu/authgate/internal/services"
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

// TokenServiceConfig converts AuthConfig into TokenService parameters.
func (c AuthConfig) TokenServiceConfig() auth.TokenConfig {
	ttl := c.Token.RefreshTTL
	if ttl <= 0 {
		ttl = auth.DefaultRefreshTokenTTL
	}

	return auth.TokenConfig{
		RefreshTokenTTL: ttl,
	}
}

// AuthServiceConfig converts the configuration into AuthService parameters.
func (c *Config) AuthServiceConfig() services.AuthConfig {
	return services.AuthConfig{
		VerificationTTL: c.Auth.Verification.CodeTTL,
		ResetTokenTTL:   c.Auth.Reset.TokenTTL,
		NotifyTimeout:   c.Email.SendTimeout,
	}
}
