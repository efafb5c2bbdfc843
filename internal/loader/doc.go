// Package loader turns stored Go source into tool handlers at runtime.
//
// # Isolation
//
// Every Load builds a fresh yaegi interpreter, so two services that declare
// the same identifiers (or keep package-level state) never see each other.
// The interpreter receives a copy of the standard library symbol table with
// os/exec, plugin, runtime/debug and net/http/cgi removed; syscall and unsafe
// are only installed when Options.AllowUnsafe is set.
//
// # Units
//
// Source is written to a uniquely-named file under WorkDir/<service>/ before
// evaluation. After each load the newest Options.Retain units of that service
// are kept and the rest removed. Release deletes all of a service's units.
//
// # Tools
//
// A tool is an exported, receiver-less, non-generic top-level function of
// the unit. Its doc comment becomes the description and its parameters
// become a JSON Schema. A leading context.Context parameter receives the
// call context, bounded by Options.CallTimeout. A trailing error result
// becomes the call's error; other results are JSON-encoded.
//
// # Stages
//
// Source is compiled before any of it runs, so type errors report
// StageCompile. Global initializers and init functions then execute under
// Options.LoadTimeout; a panic, runtime error or timeout there reports
// StageExecute.
package loader
