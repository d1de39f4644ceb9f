package skills

import "github.com/invopop/jsonschema"

// PlanSchema reflects the JSON Schema of the execution plan. Served on the
// skill detail endpoint so clients can validate plans offline.
func PlanSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	return reflector.Reflect(&Plan{})
}
