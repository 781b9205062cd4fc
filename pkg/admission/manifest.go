package admission

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/admission/schema"
	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// operationDoc is one entry of a ManifestDoc's "operations" map.
type operationDoc struct {
	InputSchema  json.RawMessage `json:"inputSchema" validate:"required"`
	OutputSchema json.RawMessage `json:"outputSchema" validate:"required"`
}

// resourcesDoc is the manifest's optional resource-hint block.
type resourcesDoc struct {
	MemoryBytes int64   `json:"memory"`
	CPUFraction float64 `json:"cpu"`
	PIDs        int     `json:"pids"`
}

// deploymentDoc carries the fields only endpoint/stateful kinds declare.
type deploymentDoc struct {
	HealthPath     string            `json:"health_path" validate:"required"`
	Port           int               `json:"port" validate:"required,gt=0,lt=65536"`
	OperationPaths map[string]string `json:"operation_paths"`
}

// pricingDoc is the manifest's tagged pricing descriptor: one of a fixed
// set of kinds, each carrying only the fields that kind needs.
type pricingDoc struct {
	Kind  string `json:"kind" validate:"required,oneof=free per-invocation periodic"`
	Price string `json:"price"`
}

// ManifestDoc is the wire format read out of an agent bundle's manifest
// file, validated structurally with go-playground/validator tags before
// any JSON Schema compilation happens.
type ManifestDoc struct {
	Name         string                  `json:"name" validate:"required"`
	Version      string                  `json:"version" validate:"required,semver"`
	Kind         string                  `json:"kind" validate:"required,oneof=function-sandboxed function-containerized endpoint-server persistent-stateful"`
	EntryPoint   string                  `json:"entry_point" validate:"required"`
	Operations   map[string]operationDoc `json:"operations" validate:"required,min=1,dive"`
	Requirements []string                `json:"requirements"`
	Resources    *resourcesDoc           `json:"resources"`
	Deployment   *deploymentDoc          `json:"deployment"`
	Pricing      pricingDoc              `json:"pricing" validate:"required"`
}

// parseManifest unmarshals and structurally validates the manifest file
// found in a bundle, the first of AdmitAgent's two validation passes.
func parseManifest(raw []byte) (*ManifestDoc, error) {
	var doc ManifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, err, "manifest is not valid JSON")
	}
	if err := structValidator.Struct(&doc); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, err, "manifest failed structural validation")
	}
	if doc.Kind == "endpoint-server" || doc.Kind == "persistent-stateful" {
		if doc.Deployment == nil {
			return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, fmt.Sprintf("kind %q requires a deployment block", doc.Kind))
		}
	}
	if _, ok := doc.Operations["execute"]; !ok {
		return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, "operations must declare at least \"execute\"")
	}
	return &doc, nil
}

// compiledOperation pairs a manifest operation's raw schema documents with
// their compiled, fail-closed validators.
type compiledOperation struct {
	raw    store.OperationSchema
	input  *schema.Schema
	output *schema.Schema
}

// compileOperations compiles every operation's input/output schema,
// failing the whole manifest (ManifestInvalid) on the first unsupported
// keyword or malformed schema — this is where unknown-keyword rejection
// actually happens, ahead of persistence.
func compileOperations(doc *ManifestDoc) (map[string]compiledOperation, error) {
	out := make(map[string]compiledOperation, len(doc.Operations))
	for name, op := range doc.Operations {
		in, err := schema.Compile(op.InputSchema)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, err, fmt.Sprintf("operation %q inputSchema", name))
		}
		outSchema, err := schema.Compile(op.OutputSchema)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, err, fmt.Sprintf("operation %q outputSchema", name))
		}
		out[name] = compiledOperation{
			raw:    store.OperationSchema{InputSchema: op.InputSchema, OutputSchema: op.OutputSchema},
			input:  in,
			output: outSchema,
		}
	}
	return out, nil
}

// toManifest converts a structurally and schema-validated ManifestDoc into
// the canonical internal/store.Manifest, the one place the wire format and
// the domain model meet.
func toManifest(doc *ManifestDoc, compiled map[string]compiledOperation) store.Manifest {
	ops := make(map[string]store.OperationSchema, len(compiled))
	for name, c := range compiled {
		ops[name] = c.raw
	}

	m := store.Manifest{
		Name:         doc.Name,
		Version:      doc.Version,
		Kind:         store.AgentKind(doc.Kind),
		EntryPoint:   doc.EntryPoint,
		Operations:   ops,
		Requirements: doc.Requirements,
	}
	if doc.Resources != nil {
		m.Resources = &store.ResourceCaps{
			MemoryBytes: doc.Resources.MemoryBytes,
			CPUFraction: doc.Resources.CPUFraction,
			PIDs:        doc.Resources.PIDs,
		}
	}
	if doc.Deployment != nil {
		m.Endpoint = &store.EndpointConfig{
			HealthPath:     doc.Deployment.HealthPath,
			Port:           doc.Deployment.Port,
			OperationPaths: doc.Deployment.OperationPaths,
		}
	}
	return m
}
