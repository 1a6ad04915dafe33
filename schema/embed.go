package schema

import _ "embed"

// ManifestV1Schema contains the JSON schema for tether manifests.
//
//go:embed tether.v1.json
var ManifestV1Schema []byte
