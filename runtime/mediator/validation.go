package mediator

import (
	"context"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/result"
)

// Validator is implemented by requests and events that validate
// themselves.
type Validator interface {
	Validate() error
}

// ValidationBehavior fails dispatch with KindValidation when the message
// body implements Validator and reports an error. Bodies without Validate
// pass through untouched.
type ValidationBehavior struct{}

// NewValidationBehavior returns the self-validation behavior.
func NewValidationBehavior() *ValidationBehavior { return &ValidationBehavior{} }

// Name implements Behavior.
func (b *ValidationBehavior) Name() string { return "validation" }

// Handle implements Behavior.
func (b *ValidationBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	if v, ok := msg.Body.(Validator); ok {
		if err := v.Validate(); err != nil {
			return result.Fail[any](result.Wrapf(result.KindValidation, err, "invalid %s", msg.Type))
		}
	}
	return next(ctx)
}

// SchemaValidationBehavior validates message bodies against JSON schemas
// registered per message type. Types without a schema pass through.
// Schemas compile once at registration.
type SchemaValidationBehavior struct {
	c codec.Codec

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidationBehavior returns a schema validator serializing
// bodies with c before validation.
func NewSchemaValidationBehavior(c codec.Codec) *SchemaValidationBehavior {
	return &SchemaValidationBehavior{c: c, schemas: make(map[string]*jsonschema.Schema)}
}

// AddSchema compiles schemaJSON and binds it to the message type name, as
// reported by Message.Type (for example "orders.CreateOrder").
func (b *SchemaValidationBehavior) AddSchema(typeName string, schemaJSON []byte) error {
	var doc any
	if err := b.c.Unmarshal(schemaJSON, &doc); err != nil {
		return result.Wrapf(result.KindConfiguration, err, "unmarshal schema for %s", typeName)
	}
	compiler := jsonschema.NewCompiler()
	resource := typeName + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return result.Wrapf(result.KindConfiguration, err, "add schema resource for %s", typeName)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return result.Wrapf(result.KindConfiguration, err, "compile schema for %s", typeName)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.schemas[typeName]; dup {
		return result.Configurationf("schema already registered for %s", typeName)
	}
	b.schemas[typeName] = schema
	return nil
}

// Name implements Behavior.
func (b *SchemaValidationBehavior) Name() string { return "schema-validation" }

// Handle implements Behavior.
func (b *SchemaValidationBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	b.mu.RLock()
	schema := b.schemas[msg.Type]
	b.mu.RUnlock()
	if schema == nil {
		return next(ctx)
	}

	data, err := b.c.Marshal(msg.Body)
	if err != nil {
		return result.Fail[any](result.Wrapf(result.KindValidation, err, "serialize %s for validation", msg.Type))
	}
	var doc any
	if err := b.c.Unmarshal(data, &doc); err != nil {
		return result.Fail[any](result.Wrapf(result.KindValidation, err, "decode %s for validation", msg.Type))
	}
	if err := schema.Validate(doc); err != nil {
		return result.Fail[any](result.Wrapf(result.KindValidation, err, "schema violation in %s", msg.Type))
	}
	return next(ctx)
}
