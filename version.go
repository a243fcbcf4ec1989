// Package gitrun runs files from Git repositories on a remote execution
// service and keeps a bounded local history of the results.
package gitrun

// Version is the gitrun release version.
const Version = "0.3.0"
