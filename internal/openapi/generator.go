package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// GenerateSpec builds the OpenAPI 3.1 document for the auth API. Paths are
// fixed: the surface is four session endpoints plus the published key set,
// so nothing is introspected at runtime.
func GenerateSpec(baseURL string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Auth Core API",
			Description: "Login, refresh-token exchange, and JWKS publication for the service federation.",
			Version:     "1.0.0",
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["refreshCookie"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "cookie",
			Name: "jwt_refresh_token",
		},
	}

	doc.Paths = openapi3.NewPaths()

	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}
	doc.Components.Schemas["TokenResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"access_token": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"jwks_url":     &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "uri"}},
			},
			Required: []string{"access_token", "jwks_url"},
		},
	}
	doc.Components.Schemas["LoginRequest"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"username": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"password": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "password"}},
			},
			Required: []string{"username", "password"},
		},
	}
	doc.Components.Schemas["JWK"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"kty": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"alg": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"use": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"kid": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"n":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"e":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			},
		},
	}

	addLoginPath(doc)
	addLogoutPath(doc)
	addRefreshPath(doc)
	addJWKSPath(doc)

	return doc
}

func addLoginPath(doc *openapi3.T) {
	op := openapi3.NewOperation()
	op.OperationID = "login"
	op.Summary = "Authenticate and receive a refresh-token cookie"
	op.Tags = []string{"session"}
	op.RequestBody = &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().
			WithRequired(true).
			WithJSONSchemaRef(openapi3.NewSchemaRef("#/components/schemas/LoginRequest", nil)),
	}
	op.AddResponse(200, detailResponse("Login succeeded; refresh cookie set"))
	op.AddResponse(400, errorResponse("Malformed request body"))
	op.AddResponse(401, errorResponse("Authentication failure"))
	doc.Paths.Set("/login", &openapi3.PathItem{Post: op})
}

func addLogoutPath(doc *openapi3.T) {
	op := openapi3.NewOperation()
	op.OperationID = "logout"
	op.Summary = "Invalidate the refresh-token cookie"
	op.Tags = []string{"session"}
	op.Security = openapi3.NewSecurityRequirements().With(openapi3.SecurityRequirement{"refreshCookie": {}})
	op.AddResponse(200, detailResponse("Logged out; cookie cleared"))
	op.AddResponse(401, errorResponse("No valid refresh cookie present"))
	doc.Paths.Set("/logout", &openapi3.PathItem{Post: op})
}

func addRefreshPath(doc *openapi3.T) {
	op := openapi3.NewOperation()
	op.OperationID = "refreshAccessToken"
	op.Summary = "Exchange the refresh cookie for an audience-scoped access token"
	op.Tags = []string{"session"}
	op.Security = openapi3.NewSecurityRequirements().With(openapi3.SecurityRequirement{"refreshCookie": {}})
	op.AddParameter(&openapi3.Parameter{
		Name:        "audience",
		In:          "query",
		Required:    true,
		Description: "Comma-separated application codes the access token should cover.",
		Schema:      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
	})
	op.AddResponse(200, openapi3.NewResponse().
		WithDescription("Access token minted").
		WithJSONSchemaRef(openapi3.NewSchemaRef("#/components/schemas/TokenResponse", nil)))
	op.AddResponse(400, errorResponse("No requested audience is a registered application"))
	op.AddResponse(401, errorResponse("Missing or invalid refresh cookie"))
	op.AddResponse(403, errorResponse("The profile has no standing in the requested audiences"))
	doc.Paths.Set("/refresh_access_token", &openapi3.PathItem{Get: op})
}

func addJWKSPath(doc *openapi3.T) {
	op := openapi3.NewOperation()
	op.OperationID = "getKeySet"
	op.Summary = "Published verification keys (RFC 7517)"
	op.Tags = []string{"keys"}
	op.AddResponse(200, openapi3.NewResponse().
		WithDescription("Current verification key set").
		WithJSONSchema(&openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"keys": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:  &openapi3.Types{"array"},
						Items: openapi3.NewSchemaRef("#/components/schemas/JWK", nil),
					},
				},
			},
		}))
	doc.Paths.Set("/jwks", &openapi3.PathItem{Get: op})
}

func detailResponse(description string) *openapi3.Response {
	return openapi3.NewResponse().
		WithDescription(description).
		WithJSONSchema(&openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"detail": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			},
		})
}

func errorResponse(description string) *openapi3.Response {
	return openapi3.NewResponse().
		WithDescription(description).
		WithJSONSchemaRef(openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil))
}
