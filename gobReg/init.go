package gobReg

import (
	"tvam/engine"
	"tvam/server"
)

// GobRegMain registers every type that crosses the wire inside an interface
// and primes the encoder so the first message is not special.
func GobRegMain() {
	engine.GobReg()
	server.GobReg()
}
