// Package apiv1 embeds the OpenAPI document for the identity HTTP API.
package apiv1

import _ "embed"

// Spec is the OpenAPI 3 document served at /openapi.json. It is embedded so
// scratch images need no extra files.
//
//go:embed openapi.json
var Spec []byte
