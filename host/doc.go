// Package host feeds the live signals of a cxp.Environment from outside sources: a settings file
// watched on disk and a stream of line commands naming the active document.
package host
