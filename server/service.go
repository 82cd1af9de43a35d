package server

import (
	"fmt"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service is one varlink interface backed by a receiver's methods.
type service struct {
	name   string // interface name, e.g. io.projectatomic.podman
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// newService collects the methods of rcvr shaped like
//
//	func (*T) Method(in *In, out *Out) error
func newService(iface string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("register %s: receiver must be a pointer to a struct, got %T", iface, rcvr)
	}
	svc := &service{
		name:   iface,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		svc.method[m.Name] = &methodType{
			method:    m,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("register %s: %T has no varlink methods", iface, rcvr)
	}
	return svc, nil
}

func (s *service) call(mType *methodType, argv, replyv reflect.Value) error {
	results := mType.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if err := results[0].Interface(); err != nil {
		return err.(error)
	}
	return nil
}
