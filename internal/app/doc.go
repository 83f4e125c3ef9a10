// Package app wires configuration, storage, cloud and service layers into the
// operations exposed by the dumpctl command line.
//
// Every operation loads settings first, builds only the collaborators it
// needs and writes human-readable results to Options.Out. An interrupt is
// reported and treated as a clean exit: partial files stay in place and the
// next run resumes them.
package app
