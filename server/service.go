package server

import (
	"context"
	"fmt"
	"reflect"

	"socket-rpc/message"
)

// methodType is one routable handler. fn is already bound to its receiver.
type methodType struct {
	style     message.InteractionStyle
	fn        reflect.Value
	ArgType   reflect.Type
	ReplyType reflect.Type // request-response only
}

type service struct {
	name   string
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	sinkType    = reflect.TypeOf((*Sink)(nil))
)

// NewService scans rcvr's exported methods and keeps those with a handler signature.
// name defaults to the receiver's type name.
func NewService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}

	srv := &service{
		name:   name,
		method: make(map[string]*methodType),
	}
	val := reflect.ValueOf(rcvr)
	for i := 0; i < typ.NumMethod(); i++ {
		mt, err := newMethodType(val.Method(i))
		if err != nil {
			continue
		}
		srv.method[typ.Method(i).Name] = mt
	}
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no handler methods", name)
	}
	return srv, nil
}

// newMethodType accepts one of:
//
//	func(ctx context.Context, args *A, reply *R) error   request-response
//	func(ctx context.Context, args *A) error             fire-and-forget
//	func(ctx context.Context, args *A, sink *Sink) error request-stream
func newMethodType(fn reflect.Value) (*methodType, error) {
	if !fn.IsValid() {
		return nil, fmt.Errorf("rpc: nil handler")
	}
	ft := fn.Type()
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("rpc: handler must be a func, got %s", ft)
	}
	if ft.NumOut() != 1 || ft.Out(0) != errorType {
		return nil, fmt.Errorf("rpc: handler %s must return only error", ft)
	}
	if ft.NumIn() < 2 || ft.In(0) != contextType || ft.In(1).Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: handler %s must take (context.Context, *Args, ...)", ft)
	}

	mt := &methodType{fn: fn, ArgType: ft.In(1).Elem()}
	switch {
	case ft.NumIn() == 2:
		mt.style = message.FireAndForget
	case ft.NumIn() == 3 && ft.In(2) == sinkType:
		mt.style = message.RequestStream
	case ft.NumIn() == 3 && ft.In(2).Kind() == reflect.Ptr:
		mt.style = message.RequestResponse
		mt.ReplyType = ft.In(2).Elem()
	default:
		return nil, fmt.Errorf("rpc: unsupported handler signature %s", ft)
	}
	return mt, nil
}

// call invokes the handler via reflection.
func (m *methodType) call(args ...reflect.Value) error {
	results := m.fn.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
