// Package node defines the types shared by every device node: the status
// register values, action requests and results, the capability descriptor
// served on /about, the typed error taxonomy, and the Device interface each
// hardware family implements.
package node
