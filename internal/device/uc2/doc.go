// Package uc2 drives a UC2 microscope through the ImSwitch REST server. It
// implements node.Device with the home, move, illumination, scan and
// scan_poslist actions.
package uc2
