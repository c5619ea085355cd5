// Package protocol decides whether an uploaded protocol body is a Python
// script or a YAML document and normalizes it for persistence.
//
// Callers should declare the format explicitly (an action var, a file
// extension, or a content type). Content sniffing is kept only for older
// workflow engines that upload bare bodies: the body is tried as a Python
// script first and then as a YAML document.
package protocol
