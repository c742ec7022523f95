package kauth

import (
	"context"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/kr8s-go/kr8s/kerrors"
)

// resolveAuthProvider honors only the "oidc" auth-provider: its id-token
// is used as the bearer, and any other provider is rejected. When
// refresh-token, idp-issuer-url and client-id are all present, the
// provider's token endpoint is always asked for a fresh id-token (the
// stored one's expiry is not checked); otherwise the kubeconfig's stored
// id-token is used as-is.
func (r *Resolver) resolveAuthProvider(ctx context.Context, provider map[string]any) (string, error) {
	name, _ := provider["name"].(string)
	if name != "oidc" {
		return "", &kerrors.AuthUnsupported{Reason: "auth-provider " + name + " is not supported (only oidc)"}
	}

	cfg, _ := provider["config"].(map[string]any)
	idToken, _ := cfg["id-token"].(string)
	refreshToken, _ := cfg["refresh-token"].(string)
	issuerURL, _ := cfg["idp-issuer-url"].(string)
	clientID, _ := cfg["client-id"].(string)
	clientSecret, _ := cfg["client-secret"].(string)

	if refreshToken == "" || issuerURL == "" || clientID == "" {
		if idToken == "" {
			return "", &kerrors.AuthUnsupported{Reason: "oidc auth-provider has neither id-token nor refresh credentials"}
		}
		return idToken, nil
	}

	provider2, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		// The stored id-token is still usable until it expires; the
		// caller's reauthenticate cycle will retry discovery later.
		if idToken != "" {
			return idToken, nil
		}
		return "", &kerrors.ExecAuthFailed{Cause: err}
	}

	oauthCfg := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     provider2.Endpoint(),
	}
	tokenSource := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	fresh, err := tokenSource.Token()
	if err != nil {
		return "", &kerrors.ExecAuthFailed{Cause: err}
	}

	rawIDToken, ok := fresh.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		if idToken != "" {
			return idToken, nil
		}
		return "", &kerrors.ExecAuthFailed{Cause: &kerrors.ValueError{Message: "token refresh response had no id_token"}}
	}
	return rawIDToken, nil
}
