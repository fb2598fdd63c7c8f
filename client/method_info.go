package client

import (
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"

	"socket-rpc/message"
)

// MappingInfo identifies a remote endpoint.
type MappingInfo struct {
	Path     string `validate:"required,startswith=/"`
	MimeType string `validate:"required"`
}

// MethodInfo describes one remote method. It is produced once by whatever resolves
// local methods to endpoints and then shared, read-only, by every handler for that method.
type MethodInfo struct {
	Name    string
	Mapping MappingInfo
	Style   message.InteractionStyle `validate:"min=1,max=3"`

	// ReturnType is the decoded reply type (the item type for streams).
	// Nil means replies are returned as raw []byte.
	ReturnType reflect.Type `validate:"-"`
}

var validate = validator.New()

// NewMethodInfo builds and validates a descriptor.
func NewMethodInfo(name, path, mimeType string, style message.InteractionStyle, returnType reflect.Type) (*MethodInfo, error) {
	info := &MethodInfo{
		Name: name,
		Mapping: MappingInfo{
			Path:     path,
			MimeType: mimeType,
		},
		Style:      style,
		ReturnType: returnType,
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *MethodInfo) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("method %q: %w", m.Name, err)
	}
	return nil
}

// ReturnTypeOf is shorthand for the reflect.Type of T.
func ReturnTypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
