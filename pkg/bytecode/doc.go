// Package bytecode defines the portable verb binary format: a stack
// machine over 64-bit words with a guest-private linear memory, a host
// call instruction, and a module container whose header names the
// exported entry points and the declared host-call capability set.
//
// The package owns only the format — assembling chunks, serializing
// modules, and decoding them back. Execution lives in the vm package;
// the compiler for the authoring language is an external collaborator
// that targets this format.
package bytecode
