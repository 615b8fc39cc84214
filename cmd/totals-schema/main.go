// totals-schema prints the JSON schema of the tax totals structure consumed
// by document renderers, so downstream templates can validate against it.
//
// Usage: go run ./cmd/totals-schema
package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/invopop/jsonschema"

	"tax-ledger/internal/core"
)

func main() {
	reflector := &jsonschema.Reflector{DoNotReference: false}
	schema := reflector.Reflect(&core.TaxTotals{})

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal schema: %v", err)
	}
	fmt.Println(string(out))
}
