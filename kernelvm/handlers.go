// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"net/http"

	"github.com/gorilla/rpc/v2"

	cjson "github.com/ava-labs/avalanchego/utils/json"
)

func newServer(service interface{}) (http.Handler, error) {
	server := rpc.NewServer()
	codec := cjson.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	return server, server.RegisterService(service, Name)
}

// CreateHandlers returns a map where:
// Keys: The path extension for this VM's API (empty in this case)
// Values: The handler for the API
func (vm *VM) CreateHandlers() (map[string]http.Handler, error) {
	handler, err := newServer(&Service{vm})
	return map[string]http.Handler{
		"": handler,
	}, err
}

// CreateStaticHandlers returns a map where:
// Keys: The path extension for this VM's static API
// Values: The handler for that static API
func (vm *VM) CreateStaticHandlers() (map[string]http.Handler, error) {
	handler, err := newServer(CreateStaticService())
	return map[string]http.Handler{
		"": handler,
	}, err
}
