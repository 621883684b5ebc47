package demostore

import _ "embed"

// Catalog is the scenario catalog exercising this storefront, in the
// suite's catalog format.
//
//go:embed catalog.yaml
var Catalog []byte
