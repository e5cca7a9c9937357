// Package residue implements the ingestion and dispatch pipeline of a
// centralized remote logging server: clients push encrypted, structured log
// records over TCP; the server authenticates them against a client
// registry, enforces per-logger policy (tokens, blacklists, known/unknown
// logger rules), and hands accepted records to a pluggable log sink.
//
// The package is organized around the data flow described in the design:
// session I/O accepts and frames a request, the crypto envelope and codec
// decrypt it, the log request parser normalizes it, a dual-buffer queue
// hands it to a single dispatch worker, which consults the client registry,
// token store and policy evaluator before writing to a LogSink. A separate
// integrity task periodically evicts expired clients and tokens.
package residue
